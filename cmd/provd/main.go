package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ritzau/provgraph/pkg/config"
	"github.com/ritzau/provgraph/pkg/kernel"
	"github.com/ritzau/provgraph/pkg/logging"
	"github.com/ritzau/provgraph/pkg/watcher"
	"github.com/ritzau/provgraph/pkg/web"

	// storage backends register themselves by name
	_ "github.com/ritzau/provgraph/pkg/storage/badgerstore"
	_ "github.com/ritzau/provgraph/pkg/storage/memstore"
	_ "github.com/ritzau/provgraph/pkg/storage/sqlstore"
)

var (
	rootCmd = &cobra.Command{
		Use:           "provd",
		Short:         "Provenance graph daemon and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and query service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	config.Flags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
	addClientCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configureLogging applies the log section of cfg.
func configureLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Log.JSON {
		logging.SetJSONOutput(level)
	} else {
		logging.SetLevel(level)
	}
	return nil
}

// reloadLogLevel re-reads path and applies its log level. Other settings
// need a restart.
func reloadLogLevel(path string) watcher.ReloadFunc {
	return func(paths []string) error {
		cfg, err := config.LoadFile(path, true, nil)
		if err != nil {
			return err
		}
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		if level != logging.Level() {
			logging.Info("changing log level", "from", logging.Level().String(), "to", level.String())
			logging.SetLevel(level)
		}
		return nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := configureLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.Open(ctx, cfg)
	if err != nil {
		return err
	}
	server := web.NewServer(k, k.Events())

	errc := make(chan error, 2)
	go func() {
		if err := server.Start(cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("web server: %w", err)
		}
	}()
	go func() {
		logging.Info("serving sketches", "port", cfg.Sketch.Port, "host", k.Host())
		if err := k.ServeSketches(); err != nil {
			errc <- fmt.Errorf("sketch server: %w", err)
		}
	}()

	if cfg.Watch {
		if cfg.File == "" {
			logging.Warn("watch requested but no config file was loaded")
		} else if err := watcher.Watch(ctx, cfg.File, reloadLogLevel(cfg.File)); err != nil {
			logging.Warn("failed to watch config file", "path", cfg.File, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err = <-errc:
		logging.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logging.Warn("web server shutdown", "error", serr)
	}
	if cerr := k.Close(shutdownCtx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
