// Package reconcile keeps the run registry in step with the table of record.
// A Loop is single-threaded: every cycle refreshes the table, creates runs for
// new names, updates changed runs, renders the registry and periodically
// writes it back. Errors are not handled here; they end the invocation and
// the supervisor decides what happens next.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/animus-labs/runsync/internal/run"
	"github.com/animus-labs/runsync/internal/runtimeexec"
	"github.com/animus-labs/runsync/internal/table"
)

const (
	DefaultInterval   = 100 * time.Millisecond
	DefaultWriteEvery = 10

	flushTimeout = 10 * time.Second
)

// Sink renders the registry for an operator. It never feeds back into the
// loop.
type Sink interface {
	Note(msg string)
	SetRuns(runs []run.Snapshot)
}

// Archiver keeps a copy of every write-back outside the table of record.
type Archiver interface {
	Archive(ctx context.Context, generation string, cycle int, runs []run.Snapshot) error
}

type Deps struct {
	Logger    *slog.Logger
	Table     table.Client
	Sink      Sink
	Submitter runtimeexec.Submitter
	Locations run.Locations
	// Archiver is optional.
	Archiver Archiver
	// Sleep waits between cycles; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Config struct {
	// SWMR enables the secondary-writer submission after each start.
	SWMR       bool
	Interval   time.Duration
	WriteEvery int
	Generation string
}

type Loop struct {
	logger    *slog.Logger
	table     table.Client
	sink      Sink
	submitter runtimeexec.Submitter
	locations run.Locations
	archiver  Archiver
	sleep     func(ctx context.Context, d time.Duration) error
	cfg       Config

	registry map[string]*run.Run
	cycle    int
}

func New(deps Deps, cfg Config) (*Loop, error) {
	if deps.Table == nil {
		return nil, errors.New("table client is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("display sink is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WriteEvery <= 0 {
		cfg.WriteEvery = DefaultWriteEvery
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Loop{
		logger:    logger.With("component", "reconcile", "generation", cfg.Generation),
		table:     deps.Table,
		sink:      deps.Sink,
		submitter: deps.Submitter,
		locations: deps.Locations,
		archiver:  deps.Archiver,
		sleep:     sleep,
		cfg:       cfg,
		registry:  make(map[string]*run.Run),
	}, nil
}

// Run cycles until an error occurs or ctx is cancelled. On cancellation the
// registry is written back once more before returning ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	for {
		err := l.Cycle(ctx)
		if err == nil {
			err = l.sleep(ctx, l.cfg.Interval)
		}
		if err != nil {
			if ctx.Err() != nil {
				l.flush(ctx)
				return ctx.Err()
			}
			return err
		}
	}
}

// Cycle performs one reconciliation pass without sleeping.
func (l *Loop) Cycle(ctx context.Context) error {
	if err := l.table.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh table: %w", err)
	}
	valid := l.table.ValidRuns()
	toUpdate := sorted(l.table.RunsToUpdate())

	for _, name := range l.toAdd(valid) {
		l.note(name, "adding")
		l.registry[name] = run.New(name, l.table, l.locations, l.submitter)
	}

	for _, name := range toUpdate {
		r, ok := l.registry[name]
		if !ok {
			return fmt.Errorf("run %q changed but is not tracked", name)
		}
		l.note(name, "updating")
		r.Update()
		if r.Status() != run.StatusNew {
			continue
		}

		l.note(name, "initialization")
		r.InitProcess()
		if !r.Prepared() {
			l.note(name, "processing postponed.")
			continue
		}
		if err := r.Start(ctx); err != nil {
			return err
		}
		l.note(name, "started")
		if l.cfg.SWMR {
			if err := r.StartSWMR(ctx); err != nil {
				return err
			}
			l.note(name, "started (swmr)")
		}
	}

	runs := l.Snapshot()
	l.sink.SetRuns(runs)

	if l.cycle%l.cfg.WriteEvery == 0 {
		if err := l.writeBack(ctx, runs); err != nil {
			return err
		}
	}
	l.cycle++
	return nil
}

// toAdd returns valid names missing from the registry in ascending order.
func (l *Loop) toAdd(valid []string) []string {
	out := make([]string, 0)
	for _, name := range valid {
		if _, ok := l.registry[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Loop) writeBack(ctx context.Context, runs []run.Snapshot) error {
	l.sink.Note("Writing to spreadsheet...")
	l.logger.InfoContext(ctx, "writing registry", "cycle", l.cycle, "runs", len(runs))
	if err := l.table.Write(ctx, runs); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, l.cfg.Generation, l.cycle, runs); err != nil {
			l.logger.WarnContext(ctx, "archive snapshot failed", "cycle", l.cycle, "error", err)
		}
	}
	return nil
}

func (l *Loop) flush(ctx context.Context) {
	if len(l.registry) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := l.table.Write(flushCtx, l.Snapshot()); err != nil {
		l.logger.Warn("final write-back failed", "error", err)
		return
	}
	l.logger.Info("final write-back done", "runs", len(l.registry))
}

// Snapshot copies the registry in ascending name order.
func (l *Loop) Snapshot() []run.Snapshot {
	names := make([]string, 0, len(l.registry))
	for name := range l.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]run.Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, l.registry[name].Snapshot())
	}
	return out
}

func (l *Loop) Len() int {
	return len(l.registry)
}

// Cycles is the number of completed cycles.
func (l *Loop) Cycles() int {
	return l.cycle
}

func (l *Loop) note(name, action string) {
	msg := name + " - " + action
	l.sink.Note(msg)
	l.logger.Info(action, "run", name, "cycle", l.cycle)
}

func sorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
