package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// File appends logfmt records to a metrics log.
type File struct {
	f      *os.File
	logger *log.Logger
}

// NewFile opens path for appending, creating its directory.
func NewFile(path string, run Run) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	logger := log.NewWithOptions(f, log.Options{
		Formatter:       log.LogfmtFormatter,
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	}).With("run", run.ID.String())
	logger.Info("start", "name", run.Name, "kind", run.Kind)
	return &File{f: f, logger: logger}, nil
}

func (t *File) Scalar(_ context.Context, step int, tag string, value float64) error {
	t.logger.Info("scalar", "step", step, "tag", tag, "value", value)
	return nil
}

func (t *File) Text(_ context.Context, step int, tag, text string) error {
	t.logger.Info("text", "step", step, "tag", tag, "text", text)
	return nil
}

func (t *File) Close() error {
	return t.f.Close()
}
