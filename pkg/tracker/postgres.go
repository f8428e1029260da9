package tracker

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id UUID PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	kind VARCHAR(20) NOT NULL,
	started TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS records (
	id SERIAL PRIMARY KEY,
	run UUID NOT NULL REFERENCES runs(id),
	step INTEGER NOT NULL,
	tag VARCHAR(255) NOT NULL,
	value DOUBLE PRECISION,
	text TEXT,
	created TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_run ON records(run);
CREATE INDEX IF NOT EXISTS idx_records_tag ON records(tag);
`

// Postgres stores records in a postgres database.
type Postgres struct {
	conn *sql.DB
	run  Run
}

// NewPostgres connects to dsn, creates the schema when missing and registers
// the run.
func NewPostgres(ctx context.Context, dsn string, run Run) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO runs (id, name, kind) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		run.ID.String(), run.Name, run.Kind)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return &Postgres{conn: conn, run: run}, nil
}

func (p *Postgres) insert(ctx context.Context, r Record) error {
	_, err := p.conn.ExecContext(ctx,
		`INSERT INTO records (run, step, tag, value, text, created) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.Run, r.Step, r.Tag, r.Value, r.Text, r.Time)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", r.Tag, err)
	}
	return nil
}

func (p *Postgres) Scalar(ctx context.Context, step int, tag string, value float64) error {
	return p.insert(ctx, p.run.scalar(step, tag, value))
}

func (p *Postgres) Text(ctx context.Context, step int, tag, text string) error {
	return p.insert(ctx, p.run.text(step, tag, text))
}

func (p *Postgres) Close() error {
	return p.conn.Close()
}
