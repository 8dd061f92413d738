// Package pgtable keeps the table of record in a Postgres table instead of a
// spreadsheet. Each row carries the run name, the status and job columns the
// loop writes back, and a jsonb object with every other column.
package pgtable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/animus-labs/runsync/internal/run"
	"github.com/animus-labs/runsync/internal/table"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Client is a table.Client backed by Postgres.
type Client struct {
	table.Tracker

	db     DB
	name   string
	logger *slog.Logger
	now    func() time.Time
}

func New(db DB, tableName string, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	ident, err := quoteIdent(tableName)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		db:     db,
		name:   ident,
		logger: logger.With("component", "pgtable"),
		now:    time.Now,
	}, nil
}

// quoteIdent validates a possibly schema-qualified table name and quotes each
// part.
func quoteIdent(name string) (string, error) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		if !identPattern.MatchString(part) {
			return "", fmt.Errorf("invalid table name %q", name)
		}
		quoted = append(quoted, `"`+part+`"`)
	}
	return strings.Join(quoted, "."), nil
}

// EnsureSchema creates the runs table when it is missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+c.name+` (
		position bigserial,
		name text PRIMARY KEY,
		status text NOT NULL DEFAULT '',
		job text NOT NULL DEFAULT '',
		fields jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz
	)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type record struct {
	name   string
	status string
	job    string
	fields []byte
}

func (c *Client) Refresh(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `SELECT name, status, job, fields FROM `+c.name+` ORDER BY position, name`)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	records := make([]record, 0)
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.name, &rec.status, &rec.job, &rec.fields); err != nil {
			return fmt.Errorf("scan run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate runs: %w", err)
	}

	out, err := toRows(records)
	if err != nil {
		return err
	}
	c.Apply(out)
	return nil
}

func toRows(records []record) ([]table.Row, error) {
	out := make([]table.Row, 0, len(records))
	for i, rec := range records {
		fields, err := decodeFields(rec.fields)
		if err != nil {
			return nil, fmt.Errorf("decode fields of %q: %w", rec.name, err)
		}
		fields[run.FieldStatus] = rec.status
		fields[run.FieldJob] = rec.job
		out = append(out, table.Row{Name: rec.name, Fields: fields, Line: i + 1})
	}
	return out, nil
}

// decodeFields flattens a jsonb object into column values. Non-string values
// keep their JSON text.
func decodeFields(raw []byte) (run.Fields, error) {
	out := run.Fields{}
	if len(raw) == 0 {
		return out, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for k, v := range obj {
		key := table.NormalizeHeader(k)
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[key] = s
			continue
		}
		if string(v) == "null" {
			out[key] = ""
			continue
		}
		out[key] = string(v)
	}
	return out, nil
}

// Write stores status and job ids for every run in one transaction.
func (c *Client) Write(ctx context.Context, runs []run.Snapshot) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := c.now().UTC()
	missing := 0
	for _, r := range runs {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+c.name+` SET status = $1, job = $2, updated_at = $3 WHERE name = $4`,
			string(r.Status), strings.Join(r.JobIDs, " "), now, r.Name,
		)
		if err != nil {
			return fmt.Errorf("update %s: %w", r.Name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			missing++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	if missing > 0 {
		c.logger.WarnContext(ctx, "runs missing from table", "missing", missing)
	}
	return nil
}
