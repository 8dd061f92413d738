package runtimeexec

import (
	"context"
	"log/slog"
)

// SubmissionRecorder is told about every submission the cluster accepted.
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, kind string, spec JobSpec, jobID string) error
}

type recordedSubmitter struct {
	Submitter
	recorder SubmissionRecorder
	logger   *slog.Logger
}

// WithRecorder reports accepted submissions to r. Recording failures are
// logged and never fail the submission: the job is already queued.
func WithRecorder(s Submitter, r SubmissionRecorder, logger *slog.Logger) Submitter {
	if r == nil {
		return s
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &recordedSubmitter{Submitter: s, recorder: r, logger: logger}
}

func (s *recordedSubmitter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	id, err := s.Submitter.Submit(ctx, spec)
	if err != nil {
		return "", err
	}
	if rerr := s.recorder.RecordSubmission(ctx, s.Kind(), spec, id); rerr != nil {
		s.logger.WarnContext(ctx, "record submission failed",
			"component", "submitter",
			"run", spec.RunName,
			"job_id", id,
			"error", rerr,
		)
	}
	return id, nil
}
