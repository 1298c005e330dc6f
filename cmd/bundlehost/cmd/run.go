package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/admin"
	"github.com/GoCodeAlone/bundlehost/bundles/eventlog"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/deploy"
	"github.com/GoCodeAlone/bundlehost/health"
	"github.com/GoCodeAlone/bundlehost/internal/platform/metrics"
)

// NewRunCommand creates the command that runs a framework until it is signalled.
func NewRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the framework",
		Long: `Run starts the framework with the given configuration, serves the admin API
and watches the deploy directory until SIGINT or SIGTERM is received.

Every option can be overridden with a BUNDLEHOST_<SECTION>_<FIELD> environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML or TOML configuration file")
	return cmd
}

// Run starts a framework described by cfg and blocks until ctx is done, the framework
// stops on its own, or the deployer or admin API fails. The framework is shut down
// before Run returns.
func Run(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	slogger, err := newSlogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	logger := bundlehost.NewSlogLogger(slogger)

	activators := bundlehost.NewActivatorRegistry()
	if err := eventlog.Register(activators); err != nil {
		return fmt.Errorf("register built-in activators: %w", err)
	}
	recorder := metrics.NewRecorder()
	fw, err := bundlehost.New(
		bundlehost.WithLogger(logger),
		bundlehost.WithConfig(cfg.Framework),
		bundlehost.WithActivatorRegistry(activators),
		bundlehost.WithInstrumentation(recorder),
	)
	if err != nil {
		return fmt.Errorf("create framework: %w", err)
	}
	if err := recorder.Watch(fw); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("start framework: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	var wg conc.WaitGroup

	if cfg.Deploy.Dir != "" {
		d, err := deploy.New(fw, cfg.Deploy, logger)
		if err != nil {
			return errors.Join(fmt.Errorf("create deployer: %w", err), shutdown(fw, cfg, logger))
		}
		wg.Go(func() { errCh <- d.Run(runCtx) })
	}
	if cfg.Admin.Addr != "" {
		srv := admin.NewServer(fw,
			admin.WithLogger(logger),
			admin.WithHealth(health.NewAggregator(fw, health.Config{})),
			admin.WithMetrics(promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{})),
		)
		wg.Go(func() { errCh <- srv.ListenAndServe(runCtx, cfg.Admin.Addr) })
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case <-fw.Stopped():
		logger.Info("Framework stopped")
	case err := <-errCh:
		if err != nil {
			runErr = err
			logger.Error("Host component failed", "error", err)
		}
	}
	cancel()
	wg.Wait()
	return errors.Join(runErr, shutdown(fw, cfg, logger))
}

func shutdown(fw *bundlehost.Framework, cfg *config.Config, logger bundlehost.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Framework.ShutdownTimeout)
	defer cancel()
	if err := fw.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown framework: %w", err)
	}
	logger.Info("Framework shut down")
	return nil
}

func newSlogger(cfg config.LogConfig, out io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogFormat, cfg.Format)
	}
}
