package table

import (
	"context"
	"log/slog"

	"github.com/animus-labs/runsync/internal/run"
)

// ReadOnly wraps a client so Write only logs. It backs spreadsheet.dry_run.
type ReadOnly struct {
	Client
	Logger *slog.Logger
}

func (r ReadOnly) Write(ctx context.Context, runs []run.Snapshot) error {
	if r.Logger != nil {
		r.Logger.InfoContext(ctx, "dry run write-back skipped", "component", "table", "runs", len(runs))
	}
	return nil
}
