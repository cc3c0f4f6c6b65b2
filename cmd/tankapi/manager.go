package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/tankapi/pkg/config"
	"github.com/ormasoftchile/tankapi/pkg/frontend"
	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/manager"
	"github.com/ormasoftchile/tankapi/pkg/metrics"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/runner"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the session orchestrator",
	Long: `Run the session orchestrator. Commands are read as JSON lines from the
front-end (stdin, or the process given by --frontend-command) and worker
statuses are relayed back to it.`,
	Args: cobra.NoArgs,
	RunE: runManager,
}

func init() {
	addConfigFlags(managerCmd.Flags())
}

// addConfigFlags registers overrides for config keys; names follow
// config.Load's key-to-flag mapping.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("tests-dir", "", "directory holding one working directory per session")
	fs.String("lock-dir", "", "directory holding the host-wide run lock")
	fs.Bool("ignore-machine-defaults", false, "skip the machine-wide config layer")
	fs.Duration("message-check-interval", time.Second, "upper bound on each wait for a message")
	fs.Duration("join-timeout", 30*time.Second, "wait for a finished worker before killing it")
	fs.Duration("drain-timeout", time.Second, "wait for a dead worker's last output")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringSlice("frontend-command", nil, "front-end program to spawn instead of using stdio")
	fs.String("logging-level", "info", "log level (debug, info, warn, error)")
	fs.String("logging-format", "text", "log format (text or json)")
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewManager(reg)

	inbox := make(chan protocol.Message, 64)
	fe, err := startFrontend(ctx, cfg, inbox, logger, m)
	if err != nil {
		return err
	}
	defer fe.Close()

	spawn := spawner(cfg, logger, m)
	mgr := manager.New(manager.Options{
		MessageCheckInterval: cfg.MessageCheckInterval,
		JoinTimeout:          cfg.JoinTimeout,
		DrainTimeout:         cfg.DrainTimeout,
		Inbox:                inbox,
		Spawn:                spawn,
		Frontend:             fe,
		Metrics:              m,
		Logger:               logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(runCtx, cfg.MetricsAddr, reg)
		})
	}
	g.Go(func() error {
		defer cancel()
		err := mgr.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Manager stopped")
		return err
	}
	logger.Info("Manager stopped")
	return nil
}

// frontendConn is a manager.Frontend that owns resources.
type frontendConn interface {
	manager.Frontend
	Close()
}

func startFrontend(ctx context.Context, cfg *config.Config, inbox chan<- protocol.Message, logger *log.Logger, m *metrics.Manager) (frontendConn, error) {
	opts := frontend.Options{
		Logger: logger,
		OnProtocolError: func(error) {
			m.ProtocolErrors.WithLabelValues("frontend_malformed").Inc()
		},
	}
	if len(cfg.Frontend.Command) == 0 {
		logger.Debug("Using stdio front-end")
		return frontend.NewStdio(os.Stdin, os.Stdout, inbox, opts), nil
	}
	logger.Infof("Starting front-end %v", cfg.Frontend.Command)
	p, err := frontend.StartProcess(ctx, cfg.Frontend.Command, inbox, os.Stderr, opts)
	if err != nil {
		return nil, fmt.Errorf("front-end: %w", err)
	}
	return p, nil
}

func spawner(cfg *config.Config, logger *log.Logger, m *metrics.Manager) manager.SpawnFunc {
	rc := runner.Config{
		TestsDir:              cfg.TestsDir,
		LockDir:               cfg.LockDir,
		IgnoreMachineDefaults: cfg.IgnoreMachineDefaults,
		Env: []string{
			config.EnvPrefix + "_LOGGING_LEVEL=" + cfg.Logging.Level,
			config.EnvPrefix + "_LOGGING_FORMAT=" + cfg.Logging.Format,
		},
		Stderr: os.Stderr,
		Logger: logger,
		OnProtocolError: func(error) {
			m.ProtocolErrors.WithLabelValues("worker_malformed").Inc()
		},
	}
	return func(ctx context.Context, inbox chan<- protocol.Message, session, cfgText, firstBreak string) (manager.Session, error) {
		p, err := runner.Start(ctx, rc, inbox, session, cfgText, firstBreak)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
