package runtimeexec

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Mode distinguishes the primary processing job from the secondary-writer
// job that reads the output while the primary still writes it.
type Mode string

const (
	ModePrimary Mode = "primary"
	ModeSWMR    Mode = "swmr"
)

// Submitter hands one job to the cluster and returns the scheduler's job id.
type Submitter interface {
	Kind() string
	Submit(ctx context.Context, spec JobSpec) (string, error)
}

type JobSpec struct {
	RunName    string
	Mode       Mode
	Inputs     []string
	ConfigFile string
	OutputDir  string
	Env        map[string]string
}

func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.RunName) == "" {
		return errors.New("run name is required")
	}
	switch s.Mode {
	case ModePrimary, ModeSWMR:
	default:
		return errors.New("job mode is required")
	}
	if len(s.Inputs) == 0 {
		return errors.New("at least one input is required")
	}
	if strings.TrimSpace(s.OutputDir) == "" {
		return errors.New("output dir is required")
	}
	return nil
}

// JobName is the scheduler-visible name of the job.
func (s JobSpec) JobName() string {
	if s.Mode == ModeSWMR {
		return s.RunName + "-swmr"
	}
	return s.RunName
}

func isReservedJobEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "RUN_NAME", "RUN_MODE", "RUN_INPUTS", "RUN_CONFIG", "RUN_OUTPUT":
		return true
	default:
		return false
	}
}

// jobEnv returns the reserved variables followed by the user variables in
// key order.
func jobEnv(spec JobSpec) [][2]string {
	out := [][2]string{
		{"RUN_NAME", spec.RunName},
		{"RUN_MODE", string(spec.Mode)},
		{"RUN_INPUTS", strings.Join(spec.Inputs, ":")},
		{"RUN_CONFIG", spec.ConfigFile},
		{"RUN_OUTPUT", spec.OutputDir},
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		key := strings.TrimSpace(k)
		if key == "" || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, [2]string{strings.TrimSpace(k), spec.Env[k]})
	}
	return out
}

// commandArgs is the processing command line: configured args, then the
// secondary-writer args for SWMR jobs, then the first input and the ini file.
func commandArgs(spec JobSpec, args, swmrArgs []string) []string {
	out := append([]string{}, args...)
	if spec.Mode == ModeSWMR {
		out = append(out, swmrArgs...)
	}
	out = append(out, spec.Inputs[0])
	if spec.ConfigFile != "" {
		out = append(out, spec.ConfigFile)
	}
	return out
}
