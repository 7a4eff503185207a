package utils

func Contains(value string, list []string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// RedactSecret returns a short prefix of secret suitable for logs.
func RedactSecret(secret string) string {
	const visible = 3
	if len(secret) <= visible {
		return "..."
	}
	return secret[:visible] + "..."
}
