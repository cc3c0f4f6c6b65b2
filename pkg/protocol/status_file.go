package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StatusFileName is the status artifact kept in every session directory.
const StatusFileName = "status.json"

// WriteStatusFile persists st into dir, replacing any previous report.
func WriteStatusFile(dir string, st Status) error {
	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, StatusFileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}

// ReadStatusFile loads the status artifact from a session directory.
func ReadStatusFile(dir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFileName))
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &st, nil
}
