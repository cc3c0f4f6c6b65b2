package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tankapi/pkg/config"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/tui"
)

var (
	statusWatch        bool
	statusExitOnFinish bool
	statusInterval     time.Duration
	statusJSON         bool
)

var statusCmd = &cobra.Command{
	Use:   "status <session-dir|session-id>",
	Short: "Show the last status a session wrote",
	Long: `Show the status.json of a session. The argument is either a session
directory or a session id resolved against tests_dir.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow the session in an interactive view")
	statusCmd.Flags().BoolVar(&statusExitOnFinish, "exit-on-finish", false, "with --watch, quit once the session finishes")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 500*time.Millisecond, "with --watch, how often to re-read status.json")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status as JSON")
	statusCmd.Flags().String("tests-dir", "", "directory holding one working directory per session")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := sessionDir(cmd, args[0])
	if err != nil {
		return err
	}

	if statusWatch {
		model := tui.NewWatchModel(dir, statusInterval, statusExitOnFinish)
		final, err := tea.NewProgram(model).Run()
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if wm, ok := final.(tui.WatchModel); ok && wm.Status() != nil && wm.Status().Status == protocol.StatusFailed {
			os.Exit(1)
		}
		return nil
	}

	st, err := protocol.ReadStatusFile(dir)
	if err != nil {
		return err
	}
	if statusJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(tui.RenderStatus(*st))
	return nil
}

// sessionDir treats arg as a directory when it exists or looks like a path,
// and as a session id under tests_dir otherwise.
func sessionDir(cmd *cobra.Command, arg string) (string, error) {
	if strings.ContainsRune(arg, filepath.Separator) {
		return arg, nil
	}
	if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
		return arg, nil
	}
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.TestsDir, arg), nil
}
