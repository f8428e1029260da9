package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/conneroisu/e2easr/pkg/config"
)

// Elastic bulk indexes records into an elasticsearch index.
type Elastic struct {
	bi     esutil.BulkIndexer
	run    Run
	failed atomic.Int64
}

// NewElastic connects to the cluster in cfg.
func NewElastic(ctx context.Context, cfg config.Elasticsearch, run Run) (*Elastic, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = "e2easr"
	}
	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	res, err := es.Info(es.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %s", res.Status())
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     es,
		Index:      index,
		NumWorkers: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	return &Elastic{bi: bi, run: run}, nil
}

func (e *Elastic) add(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	err = e.bi.Add(ctx, esutil.BulkIndexerItem{
		Action: "index",
		Body:   bytes.NewReader(body),
		OnFailure: func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem, error) {
			e.failed.Add(1)
		},
	})
	if err != nil {
		return fmt.Errorf("bulk add failed: %w", err)
	}
	return nil
}

func (e *Elastic) Scalar(ctx context.Context, step int, tag string, value float64) error {
	return e.add(ctx, e.run.scalar(step, tag, value))
}

func (e *Elastic) Text(ctx context.Context, step int, tag, text string) error {
	return e.add(ctx, e.run.text(step, tag, text))
}

// Close flushes pending records.
func (e *Elastic) Close() error {
	if err := e.bi.Close(context.Background()); err != nil {
		return fmt.Errorf("bulk indexer close failed: %w", err)
	}
	if n := e.failed.Load(); n > 0 {
		return fmt.Errorf("%d records were not indexed", n)
	}
	return nil
}
