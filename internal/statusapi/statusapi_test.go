package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/runsync/internal/run"
)

func TestSinkKeepsLatestNotes(t *testing.T) {
	s := NewSink(2)
	s.Note("a")
	s.Note("b")
	s.Note("c")
	require.Len(t, s.notes, 2)
	require.Equal(t, "b", s.notes[0].Message)
	require.Equal(t, "c", s.notes[1].Message)
}

func TestSinkCopiesRuns(t *testing.T) {
	s := NewSink(0)
	runs := []run.Snapshot{{Name: "r1", Status: run.StatusNew}}
	s.SetRuns(runs)
	runs[0].Status = run.StatusStarted
	require.Equal(t, run.StatusNew, s.runs[0].Status)
}

func TestReadyAfterFirstRender(t *testing.T) {
	s := NewSink(0)
	require.Error(t, s.Ready(context.Background()))
	s.SetRuns(nil)
	require.NoError(t, s.Ready(context.Background()))
}

func TestHandlerServesRuns(t *testing.T) {
	s := NewSink(0)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	h := s.Handler(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.Note("r1 - adding")
	s.SetRuns([]run.Snapshot{{Name: "r1", Status: run.StatusStarted, Prepared: true, JobIDs: []string{"7"}}})

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body runsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, run.StatusStarted, body.Runs[0].Status)
	require.Equal(t, []string{"7"}, body.Runs[0].JobIDs)
	require.Len(t, body.Notes, 1)
	require.NotNil(t, body.UpdatedAt)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
