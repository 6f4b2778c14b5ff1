// Package alarmd parses alarm server flags and composes the entrypoint.
package alarmd

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/alarmdeck/alarmdeck/internal/platform/cmd"
	server "github.com/alarmdeck/alarmdeck/internal/services/alarm/app"
)

// Config holds alarm server command configuration.
type Config struct {
	HTTPAddr       string        `env:"ALARMDECK_HTTP_ADDR"        envDefault:":8080"`
	StorePath      string        `env:"ALARMDECK_STORE_PATH"       envDefault:"alarmdeck.db"`
	TokenSecret    string        `env:"ALARMDECK_TOKEN_SECRET"`
	TokenExpiry    time.Duration `env:"ALARMDECK_TOKEN_EXPIRY"     envDefault:"60m"`
	SendQueueDepth int           `env:"ALARMDECK_SEND_QUEUE_DEPTH" envDefault:"64"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "sqlite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HS256 token signing secret")
	fs.DurationVar(&cfg.TokenExpiry, "token-expiry", cfg.TokenExpiry, "access token lifetime")
	fs.IntVar(&cfg.SendQueueDepth, "send-queue-depth", cfg.SendQueueDepth, "per-session outbound frame queue depth")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the alarm server and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAlarm, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			StorePath:      cfg.StorePath,
			TokenSecret:    cfg.TokenSecret,
			TokenExpiry:    cfg.TokenExpiry,
			SendQueueDepth: cfg.SendQueueDepth,
		}); err != nil {
			return fmt.Errorf("serve alarm: %w", err)
		}
		return nil
	})
}
