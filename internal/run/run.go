// Package run holds the per-run lifecycle: new → prepared or postponed →
// started → started_swmr. A Run reads its fields from the table of record on
// every update and submits jobs through a runtimeexec.Submitter.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/runsync/internal/runtimeexec"
)

// Column names understood in a run's row. Lookups are case-insensitive
// because backends lower-case headers.
const (
	FieldStatus = "status"
	FieldInput  = "input"
	FieldConfig = "config"
	FieldJob    = "job"
)

// DefaultConfigFile is the ini looked up under the config location when the
// row does not name one.
const DefaultConfigFile = "cheetah.ini"

var (
	ErrNotPrepared = errors.New("run is not prepared")
	ErrNotStarted  = errors.New("run is not started")
)

// Fields is one row of the table of record, keyed by lower-case column name.
type Fields map[string]string

func (f Fields) Get(key string) string {
	return strings.TrimSpace(f[strings.ToLower(key)])
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// RowSource is the read side of the table of record as seen by a single run.
type RowSource interface {
	Fields(name string) (Fields, bool)
}

// Locations maps logical location names to expanded filesystem paths. It is
// shared by all runs and never written after startup.
type Locations map[string]string

type Run struct {
	name      string
	status    Status
	prepared  bool
	fields    Fields
	inputs    []string
	config    string
	jobIDs    []string
	updatedAt time.Time

	locations Locations
	source    RowSource
	submitter runtimeexec.Submitter
	now       func() time.Time
}

func New(name string, source RowSource, locations Locations, submitter runtimeexec.Submitter) *Run {
	return &Run{
		name:      name,
		status:    StatusNew,
		fields:    Fields{},
		locations: locations,
		source:    source,
		submitter: submitter,
		now:       time.Now,
	}
}

func (r *Run) Name() string     { return r.name }
func (r *Run) Status() Status   { return r.status }
func (r *Run) Prepared() bool   { return r.prepared }
func (r *Run) JobIDs() []string { return append([]string(nil), r.jobIDs...) }

// Update pulls the run's row and refreshes the status. A run that has not
// been submitted yet is re-armed to new so preparation is retried. A remote
// started status that is ahead of ours is adopted, which is how runs written
// back before a restart avoid being submitted twice.
func (r *Run) Update() {
	fields, ok := r.source.Fields(r.name)
	if !ok {
		return
	}
	r.fields = fields.clone()

	if r.status == StatusPostponed || r.status == StatusPrepared {
		r.status = StatusNew
	}

	remote := ParseStatus(r.fields.Get(FieldStatus))
	if remote.Submitted() && rank(remote) > rank(r.status) {
		r.status = remote
		r.prepared = true
		if len(r.jobIDs) == 0 {
			r.jobIDs = strings.Fields(r.fields.Get(FieldJob))
		}
	}
	r.updatedAt = r.now()
}

// InitProcess checks that the run's inputs exist. It touches nothing but the
// prepared flag and the status.
func (r *Run) InitProcess() {
	inputs, config, ok := r.prerequisites()
	if !ok {
		r.prepared = false
		r.status = StatusPostponed
		r.updatedAt = r.now()
		return
	}
	r.inputs = inputs
	r.config = config
	r.prepared = true
	r.status = StatusPrepared
	r.updatedAt = r.now()
}

func (r *Run) prerequisites() ([]string, string, bool) {
	raw := strings.TrimSpace(r.locations["raw"])
	if raw == "" {
		return nil, "", false
	}
	pattern := r.fields.Get(FieldInput)
	if pattern == "" {
		pattern = r.name + "*"
	}
	matches, err := filepath.Glob(filepath.Join(raw, pattern))
	if err != nil || len(matches) == 0 {
		return nil, "", false
	}
	sort.Strings(matches)

	dir := strings.TrimSpace(r.locations["config"])
	if dir == "" {
		return matches, "", true
	}
	name := r.fields.Get(FieldConfig)
	if name == "" {
		name = DefaultConfigFile
	}
	config := filepath.Join(dir, name)
	info, err := os.Stat(config)
	if err != nil || !info.Mode().IsRegular() {
		return nil, "", false
	}
	return matches, config, true
}

// Start submits the primary processing job.
func (r *Run) Start(ctx context.Context) error {
	if !r.prepared {
		return fmt.Errorf("%w: %s", ErrNotPrepared, r.name)
	}
	id, err := r.submit(ctx, runtimeexec.ModePrimary)
	if err != nil {
		return err
	}
	r.jobIDs = append(r.jobIDs, id)
	r.status = StatusStarted
	r.updatedAt = r.now()
	return nil
}

// StartSWMR submits the secondary-writer job. It is only valid right after
// Start succeeded.
func (r *Run) StartSWMR(ctx context.Context) error {
	if r.status != StatusStarted {
		return fmt.Errorf("%w: %s is %s", ErrNotStarted, r.name, r.status)
	}
	id, err := r.submit(ctx, runtimeexec.ModeSWMR)
	if err != nil {
		return err
	}
	r.jobIDs = append(r.jobIDs, id)
	r.status = StatusStartedSWMR
	r.updatedAt = r.now()
	return nil
}

func (r *Run) submit(ctx context.Context, mode runtimeexec.Mode) (string, error) {
	outputDir := filepath.Join(r.locations["output"], r.name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir for %s: %w", r.name, err)
	}

	env := make(map[string]string, len(r.locations))
	for name, path := range r.locations {
		env["RUNSYNC_LOCATION_"+strings.ToUpper(name)] = path
	}
	spec := runtimeexec.JobSpec{
		RunName:    r.name,
		Mode:       mode,
		Inputs:     r.inputs,
		ConfigFile: r.config,
		OutputDir:  outputDir,
		Env:        env,
	}
	id, err := r.submitter.Submit(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("submit %s (%s): %w", r.name, mode, err)
	}
	return id, nil
}

// Snapshot is a read-only copy of a run handed to sinks and write-back.
type Snapshot struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Prepared  bool      `json:"prepared"`
	JobIDs    []string  `json:"job_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Run) Snapshot() Snapshot {
	return Snapshot{
		Name:      r.name,
		Status:    r.status,
		Prepared:  r.prepared,
		JobIDs:    r.JobIDs(),
		UpdatedAt: r.updatedAt,
	}
}
