// Main package for the realtime relay server: accepts browser WebSocket
// connections and relays each one to its own upstream realtime session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessamekesh/realtime-relay/internal/logging"
	"github.com/sessamekesh/realtime-relay/pkg/config"
	"github.com/sessamekesh/realtime-relay/pkg/proxy"
	"github.com/sessamekesh/realtime-relay/pkg/transport"
	"github.com/sessamekesh/realtime-relay/pkg/upstream"
	utils "github.com/sessamekesh/realtime-relay/pkg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type rootFlags struct {
	configFile     string
	envFile        string
	port           int
	upstreamURL    string
	model          string
	connectTimeout time.Duration
	maxConnections int
	logFile        string
}

func main() {
	if err := newRootCommand(&rootFlags{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "realtime-relay",
		Short:        "Relay browser WebSocket sessions to a realtime speech API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&flags.configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", ".env file to load before reading the environment")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultPort, "Port the relay listens on")
	cmd.Flags().StringVar(&flags.upstreamURL, "upstream-url", upstream.DefaultURL, "Realtime API WebSocket URL")
	cmd.Flags().StringVar(&flags.model, "model", upstream.DefaultModel, "Realtime model requested upstream")
	cmd.Flags().DurationVar(&flags.connectTimeout, "connect-timeout", 30*time.Second, "Upstream connect timeout, 0 to disable")
	cmd.Flags().IntVar(&flags.maxConnections, "max-connections", 1024, "Maximum concurrent relay connections, 0 for no limit")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Also write JSON logs to this rotated file")

	return cmd
}

// loadConfig layers defaults, config file, .env, environment, then any flag
// the user set explicitly.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		loaded, err := config.LoadFile(flags.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("upstream-url") {
		cfg.UpstreamURL = flags.upstreamURL
	}
	if changed("model") {
		cfg.Model = flags.model
	}
	if changed("connect-timeout") {
		cfg.ConnectTimeout = flags.connectTimeout
	}
	if changed("max-connections") {
		cfg.MaxConnections = flags.maxConnections
	}
	if changed("log-file") {
		cfg.LogFile = flags.logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, closeLogger, err := logging.NewLogger(os.Getenv("APP_ENV"), cfg.LogFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer closeLogger()

	client := upstream.CreateClient(upstream.ClientParams{
		URL:    cfg.UpstreamURL,
		Model:  cfg.Model,
		Logger: logger,
	})

	relay, err := proxy.CreateRelay(proxy.RelayConfig{
		ApiKey:          cfg.ApiKey,
		Sessions:        client,
		MaxConnections:  cfg.MaxConnections,
		ConnectTimeout:  cfg.ConnectTimeout,
		StallDeadline:   cfg.StallDeadline,
		SessionDefaults: cfg.SessionDefaults,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to create relay", zap.Error(err))
		return err
	}

	wsServer, err := transport.CreateWebsocketRelayServer(relay, transport.WebsocketRelayServerParams{
		ListenAddress:      cfg.ListenAddress(),
		AllowAllHosts:      cfg.AllowAllOrigins(),
		AllowlistedHosts:   cfg.AllowedOrigins,
		DenylistedHosts:    cfg.DeniedOrigins,
		MaxReadMessageSize: cfg.MaxMessageSize,
		PingInterval:       cfg.PingInterval,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("Failed to create WebSocket server", zap.Error(err))
		return err
	}

	logger.Info("Relay server listening",
		zap.Int("port", cfg.Port),
		zap.String("upstreamUrl", cfg.UpstreamURL),
		zap.String("model", cfg.Model),
		zap.String("apiKey", utils.RedactSecret(cfg.ApiKey)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsServer.Start(gctx)
	})
	g.Go(func() error {
		return relay.Start(gctx)
	})

	err = g.Wait()
	logger.Info("Relay server stopped")
	return err
}
