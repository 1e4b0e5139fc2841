// Command pubsubd runs the entity-change fan-out service: the WebSocket
// gateway, PostgreSQL notify listener, poll watcher, and fan-out engine as
// one process. Structurally grounded in webitel-im-delivery-service's
// cmd/cmd.go urfave/cli entrypoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/codeready-toolchain/entity-sync-core/pkg/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("pubsubd exited with error", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func run() error {
	app := &cli.App{
		Name:    "pubsubd",
		Usage:   "Real-time entity-change fan-out service",
		Version: version.Full(),
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
		},
	}
	return app.Run(os.Args)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the gateway, listener, poller and fan-out engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional .env file to load before reading the process environment",
			},
		},
		Action: func(c *cli.Context) error {
			slog.Info("starting pubsubd", "version", version.Full())

			if f := c.String("env-file"); f != "" {
				if err := godotenv.Load(f); err != nil {
					slog.Warn("failed to load env file", "path", f, "error", err)
				}
			}

			application, err := newApp(c.Context)
			if err != nil {
				return err
			}

			if err := application.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down pubsubd")
			return application.Stop(context.Background())
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations and exit",
		Action: func(c *cli.Context) error {
			return migrateOnly(c.Context)
		},
	}
}

// exitCodeFor maps a startup/runtime error to the process-level exit codes
// §6 defines: 1 fatal configuration, 2 database unreachable past retry
// budget, otherwise a generic non-zero.
func exitCodeFor(err error) int {
	switch classifyFatal(err) {
	case fatalConfig:
		return 1
	case fatalDatabase:
		return 2
	default:
		return 1
	}
}
