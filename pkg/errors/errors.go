package errors

import "fmt"

type MissingPathError struct{}

func (e *MissingPathError) Error() string {
	return "Connection request carries no path"
}

type InvalidPathError struct {
	Path         string
	ExpectedPath string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("Invalid request path %q, expected %q", e.Path, e.ExpectedPath)
}

// MalformedEventError is returned for payloads that are not a JSON object
// carrying a string "type" field.
type MalformedEventError struct {
	Reason  string
	MsgSize int
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("Malformed event (%d bytes): %s", e.MsgSize, e.Reason)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

// UpstreamConnectError wraps a failed dial to the realtime service. Status is
// the HTTP status of the failed handshake, or 0 if no response was received.
type UpstreamConnectError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Failed to connect to upstream %s (status=%d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("Failed to connect to upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}

type InvalidConfigError struct {
	FieldName string
	Reason    string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("Invalid config field %s: %s", e.FieldName, e.Reason)
}
