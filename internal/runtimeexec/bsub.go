package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var bsubJobIDPattern = regexp.MustCompile(`Job <(\d+)>`)

// BsubSubmitter submits jobs to an LSF queue through the bsub binary.
type BsubSubmitter struct {
	bin      string
	queue    string
	command  string
	args     []string
	swmrArgs []string

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewBsubSubmitter(bin, queue, command string, args, swmrArgs []string) (*BsubSubmitter, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "bsub"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("bsub binary not found: %w", err)
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("processing command is required")
	}
	return &BsubSubmitter{
		bin:      bin,
		queue:    strings.TrimSpace(queue),
		command:  strings.TrimSpace(command),
		args:     args,
		swmrArgs: swmrArgs,
		run:      combinedOutput,
	}, nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (s *BsubSubmitter) Kind() string {
	return "bsub"
}

func (s *BsubSubmitter) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	args := []string{
		"-J", spec.JobName(),
		"-cwd", spec.OutputDir,
		"-o", filepath.Join(spec.OutputDir, spec.JobName()+".%J.log"),
	}
	if s.queue != "" {
		args = append(args, "-q", s.queue)
	}
	envPairs := make([]string, 0)
	for _, kv := range jobEnv(spec) {
		// -env separates variables with commas and has no escape for them.
		if strings.Contains(kv[1], ",") {
			return "", fmt.Errorf("bsub -env cannot carry %s=%q: value contains a comma", kv[0], kv[1])
		}
		envPairs = append(envPairs, kv[0]+"="+kv[1])
	}
	// LSF propagates the submitting environment; -env adds the run variables.
	args = append(args, "-env", "all,"+strings.Join(envPairs, ","))
	args = append(args, s.command)
	args = append(args, commandArgs(spec, s.args, s.swmrArgs)...)

	out, err := s.run(ctx, s.bin, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("bsub failed: %w: %s", err, text)
	}
	m := bsubJobIDPattern.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("bsub output has no job id: %q", text)
	}
	return m[1], nil
}
