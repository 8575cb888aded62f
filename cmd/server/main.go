// Command server runs the PrivateHive chat relay.
//
// Every flag can also be set through the environment variable named in its
// help text; a .env file in the working directory is loaded first.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BlayzerQ/PrivateHive-server/internal/logger"
	"github.com/BlayzerQ/PrivateHive-server/internal/server"
)

// Version is reported by --version.
const Version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	if err := newCommand(run).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(serve func(context.Context, server.Config) error) *cli.Command {
	defaults := server.NewConfig()

	return &cli.Command{
		Name:    "privatehive",
		Usage:   "room-keyed line chat relay",
		Version: Version,
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: server.DefaultPort, Usage: "TCP port of the line protocol", Sources: cli.EnvVars("PORT")},
			&cli.StringFlag{Name: "ws-addr", Usage: "address of the WebSocket gateway, e.g. :8080 (disabled when empty)", Sources: cli.EnvVars("WS_ADDR")},
			&cli.StringSliceFlag{Name: "allowed-origins", Value: defaults.AllowedOrigins, Usage: "origins allowed to open gateway sessions (* for any)", Sources: cli.EnvVars("ALLOWED_ORIGINS")},
			&cli.StringFlag{Name: "timezone", Value: defaults.TimeZone, Usage: "time zone of message timestamps", Sources: cli.EnvVars("TIME_ZONE")},
			&cli.StringFlag{Name: "time-layout", Value: defaults.TimeLayout, Usage: "Go time layout of message timestamps", Sources: cli.EnvVars("TIME_LAYOUT")},
			&cli.IntFlag{Name: "max-line-bytes", Value: server.DefaultMaxLineBytes, Usage: "longest accepted client line", Sources: cli.EnvVars("MAX_LINE_BYTES")},
			&cli.DurationFlag{Name: "write-timeout", Usage: "bound on each write to a single client (0 = none)", Sources: cli.EnvVars("WRITE_TIMEOUT")},
			&cli.DurationFlag{Name: "handshake-timeout", Usage: "bound on reading username and room key (0 = none)", Sources: cli.EnvVars("HANDSHAKE_TIMEOUT")},
			&cli.IntFlag{Name: "rate-burst", Value: server.DefaultRateBurst, Usage: "chat lines a client may send at once (0 = unlimited)", Sources: cli.EnvVars("RATE_LIMIT_BURST")},
			&cli.DurationFlag{Name: "rate-interval", Value: defaults.RateLimit.RefillInterval, Usage: "time to refill the full burst", Sources: cli.EnvVars("RATE_LIMIT_REFILL_INTERVAL")},
			&cli.BoolFlag{Name: "legacy-handshake", Usage: "accept the four-line handshake of older clients", Sources: cli.EnvVars("LEGACY_HANDSHAKE")},
			&cli.StringFlag{Name: "nats-url", Usage: "NATS servers for the cluster relay (disabled when empty)", Sources: cli.EnvVars("NATS_URL")},
			&cli.StringFlag{Name: "nats-subject-prefix", Value: defaults.NATS.SubjectPrefix, Usage: "subject prefix of relayed rooms", Sources: cli.EnvVars("NATS_SUBJECT_PREFIX")},
			&cli.StringFlag{Name: "log-level", Value: defaults.LogLevel, Usage: "debug, info, warn or error", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.DurationFlag{Name: "shutdown-timeout", Value: defaults.ShutdownTimeout, Usage: "grace period for open sessions on shutdown", Sources: cli.EnvVars("SHUTDOWN_TIMEOUT")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, configFromCommand(cmd))
		},
		Commands: []*cli.Command{
			{
				Name:      "hash",
				Usage:     "print the digest the relay uses to name a room key",
				ArgsUsage: "<room key>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return cli.Exit("hash takes exactly one argument", 2)
					}
					fmt.Fprintln(cmd.Root().Writer, server.Hash(cmd.Args().First()))
					return nil
				},
			},
		},
	}
}

func configFromCommand(cmd *cli.Command) server.Config {
	return server.Config{
		Port:           int(cmd.Int("port")),
		WSAddr:         cmd.String("ws-addr"),
		AllowedOrigins: cmd.StringSlice("allowed-origins"),
		MaxLineBytes:   int(cmd.Int("max-line-bytes")),
		RateLimit: server.RateLimitConfig{
			Burst:          int(cmd.Int("rate-burst")),
			RefillInterval: cmd.Duration("rate-interval"),
		},
		TimeZone:         cmd.String("timezone"),
		TimeLayout:       cmd.String("time-layout"),
		WriteTimeout:     cmd.Duration("write-timeout"),
		HandshakeTimeout: cmd.Duration("handshake-timeout"),
		LegacyHandshake:  cmd.Bool("legacy-handshake"),
		NATS: server.NATSConfig{
			URL:           cmd.String("nats-url"),
			SubjectPrefix: cmd.String("nats-subject-prefix"),
		},
		LogLevel:        cmd.String("log-level"),
		ShutdownTimeout: cmd.Duration("shutdown-timeout"),
	}
}

func run(ctx context.Context, cfg server.Config) error {
	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting PrivateHive relay", zap.String("version", Version))

	clock, err := server.NewClock(cfg.TimeLayout, cfg.TimeZone)
	if err != nil {
		return err
	}

	registry := server.NewRegistry(log)

	if cfg.NATS.URL != "" {
		relay, err := server.DialRelay(cfg.NATS, log)
		if err != nil {
			return err
		}
		if err := relay.Start(registry); err != nil {
			_ = relay.Close()
			return err
		}
		defer func() {
			if err := relay.Close(); err != nil {
				log.Warn("relay close error", zap.Error(err))
			}
		}()
	}

	opts := cfg.ConnectionOptions(clock, log)

	listener := server.NewListener(cfg, registry, opts)
	if err := listener.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(nil)
	})

	var (
		gateway    *server.Gateway
		httpServer *http.Server
	)
	if cfg.WSAddr != "" {
		gateway = server.NewGateway(cfg, registry, opts)
		httpServer = server.CreateServer(cfg.WSAddr, gateway.Routes())
		g.Go(func() error {
			return server.StartServer(httpServer, log)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown requested")
		return shutdown(cfg.ShutdownTimeout, listener, gateway, httpServer, log)
	})

	return g.Wait()
}

func shutdown(timeout time.Duration, listener *server.Listener, gateway *server.Gateway, httpServer *http.Server, log *zap.Logger) error {
	if httpServer != nil {
		_ = server.ShutdownServer(httpServer, timeout, log)
	}

	err := listener.Shutdown(timeout)

	if gateway != nil {
		if gerr := gateway.Close(timeout); gerr != nil && err == nil {
			err = gerr
		}
	}
	return err
}
