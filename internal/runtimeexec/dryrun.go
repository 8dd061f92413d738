package runtimeexec

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// DryRunSubmitter records what would have been submitted without touching
// the cluster.
type DryRunSubmitter struct {
	logger *slog.Logger
	kind   string
}

// NewDryRunSubmitter wraps the name of the real backend for log output.
func NewDryRunSubmitter(logger *slog.Logger, backend string) *DryRunSubmitter {
	return &DryRunSubmitter{logger: logger, kind: strings.TrimSpace(backend)}
}

func (s *DryRunSubmitter) Kind() string {
	return "dry_run"
}

func (s *DryRunSubmitter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	id := "dry-" + uuid.NewString()[:8]
	if s.logger != nil {
		s.logger.InfoContext(ctx, "dry run submission",
			"component", "submitter",
			"backend", s.kind,
			"run", spec.RunName,
			"mode", string(spec.Mode),
			"job_name", spec.JobName(),
			"inputs", len(spec.Inputs),
			"config_file", spec.ConfigFile,
			"output_dir", spec.OutputDir,
			"job_id", id,
		)
	}
	return id, nil
}
