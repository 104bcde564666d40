package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/movebroker/movebroker/pkg/broker"
	"github.com/movebroker/movebroker/pkg/metrics"
	"github.com/movebroker/movebroker/pkg/server"
)

// shutdownTimeout bounds graceful shutdown of the listener and the engine.
const shutdownTimeout = 10 * time.Second

var serveFlags configFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP broker in front of an engine",
	Long: `Start the engine, then serve POST /move, GET /ws and the static directory
until SIGINT or SIGTERM. On shutdown the listener drains first so in-flight
evaluations can finish, then the engine is stopped.`,
	Example: `  # Persistent engine with defaults
  movebroker serve --engine-path ./stockfish-wrapper

  # One process per request on port 9000
  movebroker serve --mode one-shot --port 9000

  # From a config file, overriding the log level
  movebroker serve -c movebroker.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd, &serveFlags)
	},
}

func init() {
	serveFlags.addFileFlag(serveCmd)
	serveFlags.addServerFlags(serveCmd)
	serveFlags.addEngineFlags(serveCmd)
	serveFlags.addLogFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// runServe runs the broker and HTTP server until ctx is done.
func runServe(ctx context.Context, cmd *cobra.Command, f *configFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	log, flush := newLogger(cfg.Log, cfg.Server.Port)
	defer flush()

	reg := metrics.Init()

	b := broker.New(cfg.Engine, broker.WithLogger(log))
	if err := b.Start(ctx); err != nil {
		return err
	}

	srv, err := server.New(cfg.Server, b,
		server.WithLogger(log),
		server.WithRegistry(reg),
		server.WithMaxDepth(cfg.Engine.MaxDepth),
	)
	if err == nil {
		err = srv.Start()
	}
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, b.Close(closeCtx))
	}

	log.Info("movebroker ready",
		"addr", srv.Addr().String(),
		"mode", cfg.Engine.Mode,
		"tagged", cfg.Engine.Tagged,
		"engine", cfg.Engine.Path,
		"static_dir", cfg.Server.StaticDir,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
		errs = append(errs, err)
	}
	if err := b.Close(shutdownCtx); err != nil {
		log.Warn("engine shutdown error", "error", err)
		errs = append(errs, err)
	}
	log.Info("movebroker stopped")
	return errors.Join(errs...)
}
