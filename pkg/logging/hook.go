package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// WriterHook formats entries at or above a level and writes them to w.
type WriterHook struct {
	mu        sync.Mutex
	w         io.Writer
	level     log.Level
	formatter log.Formatter
}

// NewWriterHook returns a hook for entries as severe as level or more.
func NewWriterHook(w io.Writer, level log.Level, formatter log.Formatter) *WriterHook {
	if formatter == nil {
		formatter = &log.TextFormatter{FullTimestamp: true, DisableColors: true}
	}
	return &WriterHook{w: w, level: level, formatter: formatter}
}

// Levels implements log.Hook.
func (h *WriterHook) Levels() []log.Level {
	var levels []log.Level
	for _, l := range log.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire implements log.Hook.
func (h *WriterHook) Fire(entry *log.Entry) error {
	data, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(data)
	return err
}

// FileHook is a WriterHook owning the file it writes to.
type FileHook struct {
	*WriterHook
	file   *os.File
	closed bool
}

// Fire implements log.Hook; entries arriving after Close are dropped.
func (h *FileHook) Fire(entry *log.Entry) error {
	data, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	_, err = h.file.Write(data)
	return err
}

// Close closes the underlying file.
func (h *FileHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.file.Close()
}

// AddFileHook opens path for appending and attaches it to logger for entries
// at level or above. The logger level is raised if needed so those entries
// are produced at all.
func AddFileHook(logger *log.Logger, path string, level log.Level) (*FileHook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	hook := &FileHook{
		WriterHook: NewWriterHook(f, level, &log.TextFormatter{FullTimestamp: true, DisableColors: true}),
		file:       f,
	}
	logger.AddHook(hook)
	if level > logger.GetLevel() {
		logger.SetLevel(level)
	}
	return hook, nil
}
