// Package auditlog appends tamper-evident records of cluster submissions to
// Postgres. Each row carries a sha256 over its canonical JSON form.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runsync/internal/runtimeexec"
)

const ActionSubmitted = "job.submitted"

type Event struct {
	OccurredAt time.Time
	Actor      string
	Host       string
	Action     string
	RunName    string
	JobID      string
	Payload    any
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.RunName) == "" {
		return errors.New("RunName is required")
	}
	return nil
}

func EnsureSchema(ctx context.Context, db Execer) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS run_audit_events (
		event_id bigserial PRIMARY KEY,
		occurred_at timestamptz NOT NULL,
		actor text NOT NULL,
		host text,
		action text NOT NULL,
		run_name text NOT NULL,
		job_id text,
		payload jsonb NOT NULL,
		integrity_sha256 text NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func Insert(ctx context.Context, db Execer, event Event) error {
	if db == nil {
		return errors.New("database is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO run_audit_events (
			occurred_at,
			actor,
			host,
			action,
			run_name,
			job_id,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		nullIfEmpty(event.Host),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.RunName),
		nullIfEmpty(event.JobID),
		payloadJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Host       string          `json:"host,omitempty"`
		Action     string          `json:"action"`
		RunName    string          `json:"run_name"`
		JobID      string          `json:"job_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}

	blob, err := json.Marshal(integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      strings.TrimSpace(event.Actor),
		Host:       strings.TrimSpace(event.Host),
		Action:     strings.TrimSpace(event.Action),
		RunName:    strings.TrimSpace(event.RunName),
		JobID:      strings.TrimSpace(event.JobID),
		Payload:    payloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// Recorder turns accepted submissions into audit events.
type Recorder struct {
	db    Execer
	actor string
	host  string
	now   func() time.Time
}

func NewRecorder(db Execer, actor, host string) *Recorder {
	return &Recorder{db: db, actor: actor, host: host, now: time.Now}
}

func (r *Recorder) RecordSubmission(ctx context.Context, kind string, spec runtimeexec.JobSpec, jobID string) error {
	return Insert(ctx, r.db, Event{
		OccurredAt: r.now().UTC(),
		Actor:      r.actor,
		Host:       r.host,
		Action:     ActionSubmitted,
		RunName:    spec.RunName,
		JobID:      jobID,
		Payload: map[string]any{
			"backend":     kind,
			"mode":        string(spec.Mode),
			"job_name":    spec.JobName(),
			"inputs":      spec.Inputs,
			"config_file": spec.ConfigFile,
			"output_dir":  spec.OutputDir,
		},
	})
}

var _ runtimeexec.SubmissionRecorder = (*Recorder)(nil)
