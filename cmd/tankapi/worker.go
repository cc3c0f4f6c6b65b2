package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tankapi/pkg/config"
	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/tank"
	"github.com/ormasoftchile/tankapi/pkg/worker"
)

var (
	workerSession string
	workerDir     string
)

// workerCmd is spawned by the manager. Stdin carries breakpoints, stdout
// carries statuses; nothing else may be written to stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one session (spawned by the manager)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerSession, "session", "", "session id")
	workerCmd.Flags().StringVar(&workerDir, "work-dir", "", "session working directory")
	workerCmd.Flags().String("lock-dir", "", "directory holding the host-wide run lock")
	workerCmd.Flags().Bool("ignore-machine-defaults", false, "skip the machine-wide config layer")
	_ = workerCmd.MarkFlagRequired("session")
	_ = workerCmd.MarkFlagRequired("work-dir")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return err
	}
	if workerSession == "" || workerDir == "" {
		return errors.New("--session and --work-dir are required")
	}

	// The manager owns the log file; worker output reaches it through stderr.
	logCfg := cfg.Logging
	logCfg.File.Enabled = false
	logger, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		return err
	}

	interrupts, stopSignals := worker.NotifyInterrupts()
	defer stopSignals()

	engine := tank.New(tank.Options{
		Session:               workerSession,
		WorkDir:               workerDir,
		LockDir:               cfg.LockDir,
		IgnoreMachineDefaults: cfg.IgnoreMachineDefaults,
		Logger:                logger,
	})
	w := worker.New(worker.Config{
		Session:    workerSession,
		WorkDir:    workerDir,
		Engine:     engine,
		Queue:      worker.ReadQueue(os.Stdin, logger),
		Interrupts: interrupts,
		Sink:       protocol.NewEncoder(os.Stdout),
		Logger:     logger,
		LogFiles:   true,
	})

	res := w.Run(context.Background())
	logger.Infof("Session %s finished: %s (retcode %d)", workerSession, res.Status, res.Retcode)
	stopSignals()
	os.Exit(res.ExitCode())
	return nil
}
