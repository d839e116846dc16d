// Command roomcast serves room-scoped WebSocket chat and signaling.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"roomcast/internal/app"
	"roomcast/internal/config"
	"roomcast/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		logging.Fatal().Err(err).Msg("Roomcast exited with error")
	}
}

// run parses flags, loads configuration and serves until ctx is cancelled
func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("roomcast", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file (default $"+config.ConfigPathEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    stderr,
	})

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logging.Info().Msg("Received shutdown signal")
	}()

	return application.Run(ctx)
}
