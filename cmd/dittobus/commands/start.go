package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/api"
	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/config"
	"github.com/marmos91/dittobus/pkg/metrics"
	"github.com/marmos91/dittobus/pkg/server"

	// Import prometheus metrics to register init() constructors
	_ "github.com/marmos91/dittobus/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DittoBus broker",
	Long: `Start the DittoBus broker with the specified configuration.

Use --config to specify a custom configuration file, or the default at
$XDG_CONFIG_HOME/dittobus/config.yaml is used. With no config file
present, built-in defaults apply.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	logger.Info("starting dittobus", "version", Version)

	// Metrics come up first so components created later can record.
	var sink metrics.BrokerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		sink = metrics.NewBrokerMetrics()
		logger.Info("metrics enabled", logger.KeyPort, cfg.Metrics.Port)
	}

	// procfs on Linux; an in-memory provider elsewhere so the broker
	// still runs for development.
	sub := broker.NewSubsystem(newPlatformFacilities(), sink)
	logger.Info("broker initialized", logger.KeyNamespace, sub.Root().Devpath())

	srv := server.New(sub, cfg.ShutdownTimeout)
	if cfg.Metrics.Enabled {
		srv.EnableMetrics(cfg.Metrics.Port)
	}
	if cfg.API.Enabled {
		srv.SetAPIServer(api.NewServer(cfg.API, sub))
		logger.Info("api server enabled", logger.KeyPort, cfg.API.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("broker is running; press Ctrl+C to stop")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping")
		cancel()
		if err := <-serverDone; err != nil {
			return err
		}
		logger.Info("broker stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return err
		}
		logger.Info("broker stopped")
	}
	return nil
}
