package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/runsync/internal/run"
	"github.com/animus-labs/runsync/internal/runtimeexec"
	"github.com/animus-labs/runsync/internal/table"
)

type fakeTable struct {
	table.Tracker
	rows       []table.Row
	refreshes  int
	refreshErr error
	writeErr   error
	writes     []int
	written    [][]run.Snapshot
}

func (f *fakeTable) Refresh(ctx context.Context) error {
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.refreshes++
	f.Apply(f.rows)
	return nil
}

func (f *fakeTable) Write(ctx context.Context, runs []run.Snapshot) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, f.refreshes-1)
	f.written = append(f.written, runs)
	return nil
}

func (f *fakeTable) setRow(name string, fields run.Fields) {
	for i := range f.rows {
		if f.rows[i].Name == name {
			f.rows[i].Fields = fields
			return
		}
	}
	f.rows = append(f.rows, table.Row{Name: name, Fields: fields, Line: len(f.rows) + 2})
}

type fakeSink struct {
	notes []string
	runs  []run.Snapshot
	sets  int
}

func (f *fakeSink) Note(msg string) { f.notes = append(f.notes, msg) }

func (f *fakeSink) SetRuns(runs []run.Snapshot) {
	f.runs = runs
	f.sets++
}

func (f *fakeSink) count(msg string) int {
	n := 0
	for _, note := range f.notes {
		if note == msg {
			n++
		}
	}
	return n
}

type fakeSubmitter struct {
	specs []runtimeexec.JobSpec
	err   error
}

func (f *fakeSubmitter) Kind() string { return "fake" }

func (f *fakeSubmitter) Submit(ctx context.Context, spec runtimeexec.JobSpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.specs = append(f.specs, spec)
	return spec.JobName(), nil
}

type fakeArchiver struct {
	cycles []int
	err    error
}

func (f *fakeArchiver) Archive(ctx context.Context, generation string, cycle int, runs []run.Snapshot) error {
	f.cycles = append(f.cycles, cycle)
	return f.err
}

type harness struct {
	table     *fakeTable
	sink      *fakeSink
	submitter *fakeSubmitter
	archiver  *fakeArchiver
	locations run.Locations
	loop      *Loop
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		table:     &fakeTable{},
		sink:      &fakeSink{},
		submitter: &fakeSubmitter{},
		archiver:  &fakeArchiver{},
		locations: run.Locations{
			"raw":    filepath.Join(root, "raw"),
			"output": filepath.Join(root, "out"),
		},
	}
	require.NoError(t, os.MkdirAll(h.locations["raw"], 0o755))
	loop, err := New(Deps{
		Table:     h.table,
		Sink:      h.sink,
		Submitter: h.submitter,
		Locations: h.locations,
		Archiver:  h.archiver,
	}, cfg)
	require.NoError(t, err)
	h.loop = loop
	return h
}

func (h *harness) touchInput(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.locations["raw"], name+".h5"), nil, 0o644))
}

func statuses(runs []run.Snapshot) map[string]run.Status {
	out := make(map[string]run.Status, len(runs))
	for _, r := range runs {
		out[r.Name] = r.Status
	}
	return out
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{Sink: &fakeSink{}, Submitter: &fakeSubmitter{}}, Config{})
	require.Error(t, err)
	_, err = New(Deps{Table: &fakeTable{}, Submitter: &fakeSubmitter{}}, Config{})
	require.Error(t, err)
	_, err = New(Deps{Table: &fakeTable{}, Sink: &fakeSink{}}, Config{})
	require.Error(t, err)
}

func TestCycleAddsRunsInNameOrder(t *testing.T) {
	h := newHarness(t, Config{})
	for _, name := range []string{"r2", "r1", "r10", "#skip", ""} {
		h.table.setRow(name, run.Fields{"status": ""})
	}

	require.NoError(t, h.loop.Cycle(context.Background()))

	var added []string
	for _, note := range h.sink.notes {
		if strings.HasSuffix(note, " - adding") {
			added = append(added, strings.TrimSuffix(note, " - adding"))
		}
	}
	require.Equal(t, []string{"r1", "r10", "r2"}, added)
	require.Equal(t, 3, h.loop.Len())
}

func TestCycleUpdatesChangedRunsInNameOrder(t *testing.T) {
	h := newHarness(t, Config{})
	for _, name := range []string{"r2", "r1", "r10"} {
		h.table.setRow(name, run.Fields{"comment": "first"})
	}
	ctx := context.Background()
	require.NoError(t, h.loop.Cycle(ctx))

	mark := len(h.sink.notes)
	for _, name := range []string{"r2", "r1", "r10"} {
		h.table.setRow(name, run.Fields{"comment": "second"})
	}
	require.NoError(t, h.loop.Cycle(ctx))

	var updated []string
	for _, note := range h.sink.notes[mark:] {
		if strings.HasSuffix(note, " - updating") {
			updated = append(updated, strings.TrimSuffix(note, " - updating"))
		}
	}
	require.Equal(t, []string{"r1", "r10", "r2"}, updated)
}

func TestCycleIsIdempotentForUnchangedTable(t *testing.T) {
	h := newHarness(t, Config{})
	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{"status": ""})
	h.table.setRow("r2", run.Fields{"status": ""})

	ctx := context.Background()
	require.NoError(t, h.loop.Cycle(ctx))
	first := statuses(h.loop.Snapshot())

	require.NoError(t, h.loop.Cycle(ctx))
	require.NoError(t, h.loop.Cycle(ctx))

	require.Equal(t, first, statuses(h.loop.Snapshot()))
	require.Equal(t, 2, h.loop.Len())
	require.Equal(t, 1, h.sink.count("r1 - adding"))
	require.Equal(t, 1, h.sink.count("r1 - updating"))
	require.Len(t, h.submitter.specs, 1)
}

func TestCycleTracksNewRowsOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.setRow("a", run.Fields{})
	ctx := context.Background()
	require.NoError(t, h.loop.Cycle(ctx))

	h.table.setRow("b", run.Fields{})
	require.NoError(t, h.loop.Cycle(ctx))

	require.Equal(t, 1, h.sink.count("a - adding"))
	require.Equal(t, 1, h.sink.count("b - adding"))
	require.Equal(t, 2, h.loop.Len())
}

func TestRunsAreNeverRemoved(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.setRow("a", run.Fields{})
	ctx := context.Background()
	require.NoError(t, h.loop.Cycle(ctx))

	h.table.rows = nil
	require.NoError(t, h.loop.Cycle(ctx))
	require.Equal(t, 1, h.loop.Len())
}

func TestLifecycleStartsPreparedRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{})

	require.NoError(t, h.loop.Cycle(context.Background()))

	require.Equal(t, run.StatusStarted, statuses(h.loop.Snapshot())["r1"])
	require.Len(t, h.submitter.specs, 1)
	require.Equal(t, runtimeexec.ModePrimary, h.submitter.specs[0].Mode)
	require.Equal(t, []string{"r1 - adding", "r1 - updating", "r1 - initialization", "r1 - started", "Writing to spreadsheet..."}, h.sink.notes)
}

func TestLifecycleStartsSWMRInSameCycle(t *testing.T) {
	h := newHarness(t, Config{SWMR: true})
	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{})

	require.NoError(t, h.loop.Cycle(context.Background()))

	require.Equal(t, run.StatusStartedSWMR, statuses(h.loop.Snapshot())["r1"])
	require.Len(t, h.submitter.specs, 2)
	require.Equal(t, runtimeexec.ModeSWMR, h.submitter.specs[1].Mode)
	require.Equal(t, 1, h.sink.count("r1 - started (swmr)"))
}

func TestStartedRunIsNotResubmitted(t *testing.T) {
	h := newHarness(t, Config{})
	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{"comment": "first"})
	ctx := context.Background()
	require.NoError(t, h.loop.Cycle(ctx))

	h.table.setRow("r1", run.Fields{"comment": "edited"})
	require.NoError(t, h.loop.Cycle(ctx))

	require.Equal(t, 2, h.sink.count("r1 - updating"))
	require.Equal(t, 1, h.sink.count("r1 - initialization"))
	require.Len(t, h.submitter.specs, 1)
}

func TestPostponedRunIsRetriedWhenRowChanges(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.setRow("r1", run.Fields{"comment": "1"})
	ctx := context.Background()

	require.NoError(t, h.loop.Cycle(ctx))
	require.Equal(t, run.StatusPostponed, statuses(h.loop.Snapshot())["r1"])
	require.Equal(t, 1, h.sink.count("r1 - processing postponed."))

	h.table.setRow("r1", run.Fields{"comment": "2"})
	require.NoError(t, h.loop.Cycle(ctx))
	require.Equal(t, run.StatusPostponed, statuses(h.loop.Snapshot())["r1"])
	require.Equal(t, 2, h.sink.count("r1 - initialization"))

	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{"comment": "3"})
	require.NoError(t, h.loop.Cycle(ctx))

	require.Equal(t, run.StatusStarted, statuses(h.loop.Snapshot())["r1"])
	require.Equal(t, 1, h.sink.count("r1 - adding"))
	require.Equal(t, 1, h.loop.Len())
	require.Len(t, h.submitter.specs, 1)
}

func TestRemoteStartedStatusIsAdopted(t *testing.T) {
	h := newHarness(t, Config{})
	h.touchInput(t, "r1")
	h.table.setRow("r1", run.Fields{"status": "STARTED", "job": "4242"})

	require.NoError(t, h.loop.Cycle(context.Background()))

	snap := h.loop.Snapshot()
	require.Equal(t, run.StatusStarted, snap[0].Status)
	require.Equal(t, []string{"4242"}, snap[0].JobIDs)
	require.Empty(t, h.submitter.specs)
}

func TestWriteBackEveryTenthCycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.setRow("r1", run.Fields{})
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, h.loop.Cycle(ctx))
	}
	require.Equal(t, []int{0, 10, 20}, h.table.writes)
	require.Equal(t, []int{0, 10, 20}, h.archiver.cycles)
	require.Equal(t, 25, h.loop.Cycles())
	require.Equal(t, 25, h.sink.sets)
	require.Equal(t, 3, h.sink.count("Writing to spreadsheet..."))
}

func TestWriteBackIntervalIsConfigurable(t *testing.T) {
	h := newHarness(t, Config{WriteEvery: 3})
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, h.loop.Cycle(ctx))
	}
	require.Equal(t, []int{0, 3, 6}, h.table.writes)
}

func TestArchiveFailureDoesNotStopCycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.archiver.err = errors.New("bucket gone")
	require.NoError(t, h.loop.Cycle(context.Background()))
	require.Len(t, h.table.writes, 1)
}

func TestCycleErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.table.refreshErr = errors.New("quota exceeded")
		err := h.loop.Cycle(ctx)
		require.ErrorIs(t, err, h.table.refreshErr)
	})

	t.Run("submit", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.touchInput(t, "r1")
		h.table.setRow("r1", run.Fields{})
		h.submitter.err = errors.New("bsub: queue closed")
		err := h.loop.Cycle(ctx)
		require.ErrorIs(t, err, h.submitter.err)
	})

	t.Run("write", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.table.writeErr = errors.New("read only")
		err := h.loop.Cycle(ctx)
		require.ErrorIs(t, err, h.table.writeErr)
		assert.Equal(t, 0, h.loop.Cycles())
	})
}

type strayTable struct {
	fakeTable
}

func (s *strayTable) RunsToUpdate() []string { return []string{"ghost"} }

func TestUntrackedUpdateIsAnError(t *testing.T) {
	tbl := &strayTable{}
	loop, err := New(Deps{Table: tbl, Sink: &fakeSink{}, Submitter: &fakeSubmitter{}}, Config{})
	require.NoError(t, err)
	err = loop.Cycle(context.Background())
	require.ErrorContains(t, err, "ghost")
}

func TestRunFlushesOnCancel(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.setRow("r1", run.Fields{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		require.Equal(t, DefaultInterval, d)
		sleeps++
		if sleeps == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := h.loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 3, h.loop.Cycles())
	// cycle 0 write-back plus the final flush
	require.Len(t, h.table.written, 2)
	require.Equal(t, "r1", h.table.written[1][0].Name)
}

func TestRunReturnsCycleError(t *testing.T) {
	h := newHarness(t, Config{})
	h.table.refreshErr = errors.New("boom")
	err := h.loop.Run(context.Background())
	require.ErrorIs(t, err, h.table.refreshErr)
	require.Empty(t, h.table.written)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
