// Package tracker records training curves and decoding samples of an
// experiment.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/conneroisu/e2easr/pkg/config"
)

// Tracker receives experiment records.
type Tracker interface {
	// Scalar records one value of a curve.
	Scalar(ctx context.Context, step int, tag string, value float64) error
	// Text records a free form sample such as a decoded hypothesis.
	Text(ctx context.Context, step int, tag, text string) error
	Close() error
}

// Run identifies the experiment that records belong to.
type Run struct {
	ID   uuid.UUID
	Name string
	Kind string
}

// NewRun starts a run with a fresh id.
func NewRun(name, kind string) Run {
	return Run{ID: uuid.New(), Name: name, Kind: kind}
}

// Record is a single tracked value as stored by the external backends.
type Record struct {
	Run   string    `json:"run"`
	Name  string    `json:"name"`
	Kind  string    `json:"kind"`
	Step  int       `json:"step"`
	Tag   string    `json:"tag"`
	Value *float64  `json:"value,omitempty"`
	Text  *string   `json:"text,omitempty"`
	Time  time.Time `json:"time"`
}

func (r Run) scalar(step int, tag string, v float64) Record {
	return Record{Run: r.ID.String(), Name: r.Name, Kind: r.Kind, Step: step, Tag: tag, Value: &v, Time: time.Now().UTC()}
}

func (r Run) text(step int, tag, s string) Record {
	return Record{Run: r.ID.String(), Name: r.Name, Kind: r.Kind, Step: step, Tag: tag, Text: &s, Time: time.Now().UTC()}
}

// Open builds the trackers of a run: the metrics log under logDir plus the
// external backends enabled in cfg.
func Open(ctx context.Context, run Run, logDir string, cfg config.Tracking) (Tracker, error) {
	file, err := NewFile(filepath.Join(logDir, "metrics.log"), run)
	if err != nil {
		return nil, err
	}
	multi := Multi{file}
	if cfg.Postgres.DSN != "" {
		pg, err := NewPostgres(ctx, cfg.Postgres.DSN, run)
		if err != nil {
			multi.Close()
			return nil, fmt.Errorf("failed to open postgres tracker: %w", err)
		}
		multi = append(multi, pg)
	}
	if cfg.Elasticsearch.URL != "" {
		es, err := NewElastic(ctx, cfg.Elasticsearch, run)
		if err != nil {
			multi.Close()
			return nil, fmt.Errorf("failed to open elasticsearch tracker: %w", err)
		}
		multi = append(multi, es)
	}
	log.Debug("tracking run", "id", run.ID, "backends", len(multi))
	return multi, nil
}

// Multi fans records out to several trackers.
type Multi []Tracker

func (m Multi) Scalar(ctx context.Context, step int, tag string, value float64) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Scalar(ctx, step, tag, value))
	}
	return errors.Join(errs...)
}

func (m Multi) Text(ctx context.Context, step int, tag, text string) error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Text(ctx, step, tag, text))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

// Nop drops every record. Non-master ranks track through it.
type Nop struct{}

func (Nop) Scalar(context.Context, int, string, float64) error { return nil }
func (Nop) Text(context.Context, int, string, string) error    { return nil }
func (Nop) Close() error                                       { return nil }
