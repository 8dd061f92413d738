// Command runsync keeps beamtime runs listed in a spreadsheet (or Postgres
// table) in step with processing jobs submitted to the cluster.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/runsync/internal/platform/env"
)

const (
	exitRuntime = 1
	exitUsage   = 2
	exitHost    = 3
)

var defaultAllowedHosts = []string{"psexport", "pslogin"}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	configPath string
	debug      bool
}

type cliDeps struct {
	hostname func() (string, error)
	run      func(ctx context.Context, opts options) error
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stderr, cliDeps{
		hostname: os.Hostname,
		run:      runApp,
	}))
}

func execute(ctx context.Context, args []string, stderr io.Writer, deps cliDeps) int {
	if args == nil {
		args = []string{}
	}
	cmd := newRootCmd(deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, ee.err)
		return ee.code
	}
	fmt.Fprintln(stderr, "ERROR:", err)
	return exitRuntime
}

func newRootCmd(deps cliDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runsync <config-file> [DEBUG]",
		Short:         "Submit processing jobs for runs listed in a shared table",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkHost(deps.hostname); err != nil {
				return err
			}
			if len(args) < 1 || len(args) > 2 {
				return &exitError{code: exitUsage, err: fmt.Errorf("Usage: %s", cmd.UseLine())}
			}
			opts := options{
				configPath: args[0],
				debug:      len(args) == 2 && args[1] == "DEBUG",
			}
			return deps.run(cmd.Context(), opts)
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: fmt.Errorf("%w\nUsage: %s", err, cmd.UseLine())}
	})
	return cmd
}

func checkHost(hostname func() (string, error)) error {
	name, err := hostname()
	if err != nil {
		return &exitError{code: exitHost, err: fmt.Errorf("ERROR: cannot determine hostname: %w", err)}
	}
	allowed := env.List("RUNSYNC_ALLOWED_HOSTS", defaultAllowedHosts)
	if hostAllowed(name, allowed) {
		return nil
	}
	return &exitError{code: exitHost, err: fmt.Errorf(
		"ERROR: Cannot submit jobs from this host. You are logged in to %s but you need to be logged in to %s to submit jobs to the queue.",
		name, strings.Join(allowed, " or "),
	)}
}

func hostAllowed(name string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.Contains(name, a) {
			return true
		}
	}
	return false
}
