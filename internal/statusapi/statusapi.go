// Package statusapi exposes the latest rendered registry over HTTP. It is a
// display sink: the loop pushes into it, readers only ever see copies.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/animus-labs/runsync/internal/platform/httpserver"
	"github.com/animus-labs/runsync/internal/run"
)

const (
	service      = "runsync"
	defaultNotes = 100
)

type Note struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

type Sink struct {
	mu        sync.RWMutex
	runs      []run.Snapshot
	notes     []Note
	maxNotes  int
	updatedAt time.Time
	now       func() time.Time
}

func NewSink(maxNotes int) *Sink {
	if maxNotes <= 0 {
		maxNotes = defaultNotes
	}
	return &Sink{maxNotes: maxNotes, now: time.Now}
}

func (s *Sink) Note(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, Note{At: s.now().UTC(), Message: msg})
	if over := len(s.notes) - s.maxNotes; over > 0 {
		s.notes = append([]Note(nil), s.notes[over:]...)
	}
}

func (s *Sink) SetRuns(runs []run.Snapshot) {
	cp := append([]run.Snapshot{}, runs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = cp
	s.updatedAt = s.now().UTC()
}

// Ready fails until the loop has rendered at least once.
func (s *Sink) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return errors.New("no reconciliation cycle completed yet")
	}
	return nil
}

type runsResponse struct {
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Runs      []run.Snapshot `json:"runs"`
	Notes     []Note         `json:"notes"`
}

func (s *Sink) handleRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := runsResponse{
		Runs:  append([]run.Snapshot{}, s.runs...),
		Notes: append([]Note{}, s.notes...),
	}
	if !s.updatedAt.IsZero() {
		at := s.updatedAt
		resp.UpdatedAt = &at
	}
	s.mu.RUnlock()
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

// Handler serves /runs, /healthz and /readyz.
func (s *Sink) Handler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, httpserver.ReadinessCheck{
		Name:  "reconcile",
		Check: s.Ready,
	}))
	return httpserver.Wrap(logger, mux)
}

// Serve runs the status listener on addr until ctx is cancelled.
func (s *Sink) Serve(ctx context.Context, logger *slog.Logger, addr string) error {
	return httpserver.Run(ctx, logger, httpserver.Config{Service: service, Addr: addr}, s.Handler(logger))
}
