// Package supervisor restarts the reconciliation loop after failures. One
// loop invocation yields a tagged Result; the restart policy only ever looks
// at that tag.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ErrFatal marks failures that a restart cannot fix. The supervisor stops
// instead of retrying.
var ErrFatal = errors.New("fatal")

// Fatal tags err as fatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

type Outcome int

const (
	OutcomeStopped Outcome = iota
	OutcomeRecoverable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStopped:
		return "stopped"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Err     error
}

// PanicError carries a panic recovered from a loop invocation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Attempt runs one loop invocation from fresh state. generation identifies
// the invocation in logs and archived snapshots.
type Attempt func(ctx context.Context, generation string) error

// Classify maps the error returned by an attempt to a Result. Cancellation
// of ctx is a clean stop.
func Classify(ctx context.Context, err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: OutcomeStopped}
	case errors.Is(err, ErrFatal):
		return Result{Outcome: OutcomeFatal, Err: err}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return Result{Outcome: OutcomeStopped}
	default:
		return Result{Outcome: OutcomeRecoverable, Err: err}
	}
}

// Invoke runs attempt once, turning a panic into a recoverable result.
func Invoke(ctx context.Context, generation string, attempt Attempt) (res Result) {
	defer func() {
		if v := recover(); v != nil {
			res = Result{Outcome: OutcomeRecoverable, Err: &PanicError{Value: v, Stack: debug.Stack()}}
		}
	}()
	return Classify(ctx, attempt(ctx, generation))
}

type Supervisor struct {
	Logger *slog.Logger
	// Debug runs the attempt exactly once without recovering panics.
	Debug bool
	// RestartDelay is slept between restarts. Zero restarts immediately.
	RestartDelay time.Duration
	// Notify receives operator-facing warnings, typically the display's Note.
	Notify  func(string)
	Attempt Attempt

	newGeneration func() string
}

// Run blocks until the attempt stops cleanly, fails fatally, or, in debug
// mode, fails at all.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Attempt == nil {
		return errors.New("supervisor attempt is required")
	}
	if s.Debug {
		gen := s.generation()
		s.log(slog.LevelInfo, "starting reconciliation (debug)", "generation", gen)
		err := s.Attempt(ctx, gen)
		if Classify(ctx, err).Outcome == OutcomeStopped {
			return nil
		}
		return err
	}

	restarts := 0
	for {
		gen := s.generation()
		s.log(slog.LevelInfo, "starting reconciliation", "generation", gen, "restarts", restarts)
		res := Invoke(ctx, gen, s.Attempt)
		switch res.Outcome {
		case OutcomeStopped:
			return nil
		case OutcomeFatal:
			s.log(slog.LevelError, "reconciliation failed fatally", "generation", gen, "error", res.Err)
			return res.Err
		}

		restarts++
		attrs := []any{"generation", gen, "restarts", restarts, "error", res.Err}
		var pe *PanicError
		if errors.As(res.Err, &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		}
		s.log(slog.LevelWarn, "reconciliation crashed, restarting", attrs...)
		if s.Notify != nil {
			s.Notify(fmt.Sprintf("WARNING: reconciliation crashed (%v), restarting...", res.Err))
		}

		if s.RestartDelay > 0 {
			timer := time.NewTimer(s.RestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Supervisor) generation() string {
	if s.newGeneration != nil {
		return s.newGeneration()
	}
	return uuid.NewString()
}

func (s *Supervisor) log(level slog.Level, msg string, attrs ...any) {
	if s.Logger == nil {
		return
	}
	fields := append([]any{"component", "supervisor"}, attrs...)
	s.Logger.Log(context.Background(), level, msg, fields...)
}
