package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/runsync/internal/display"
	"github.com/animus-labs/runsync/internal/platform/auditlog"
	"github.com/animus-labs/runsync/internal/platform/config"
	"github.com/animus-labs/runsync/internal/platform/credentials"
	"github.com/animus-labs/runsync/internal/platform/env"
	"github.com/animus-labs/runsync/internal/platform/k8s"
	"github.com/animus-labs/runsync/internal/platform/objectstore"
	"github.com/animus-labs/runsync/internal/platform/postgres"
	"github.com/animus-labs/runsync/internal/reconcile"
	"github.com/animus-labs/runsync/internal/run"
	"github.com/animus-labs/runsync/internal/runtimeexec"
	"github.com/animus-labs/runsync/internal/statusapi"
	"github.com/animus-labs/runsync/internal/supervisor"
	"github.com/animus-labs/runsync/internal/table"
	"github.com/animus-labs/runsync/internal/table/pgtable"
	"github.com/animus-labs/runsync/internal/table/sheets"
)

const passwordEnv = "RUNSYNC_SHEET_PASSWORD"

func runApp(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: fmt.Errorf("ERROR: %w", err)}
	}

	logger, closeLog, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return &exitError{code: exitUsage, err: fmt.Errorf("ERROR: %w", err)}
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := display.Fanout{display.NewTerminal(title(cfg))}
	if cfg.Status.Addr != "" {
		status := statusapi.NewSink(0)
		sinks = append(sinks, status)
		go func() {
			if err := status.Serve(ctx, logger, cfg.Status.Addr); err != nil {
				logger.Error("status server stopped", "component", "statusapi", "error", err)
			}
		}()
	}

	submitter, err := newSubmitter(cfg, logger)
	if err != nil {
		return fmt.Errorf("cluster: %w", err)
	}

	var archiver reconcile.Archiver
	if cfg.Archive.Enabled() {
		a, err := newArchiver(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = a
	}

	var db *sql.DB
	if cfg.Spreadsheet.Backend == config.BackendPostgres {
		dbCfg, err := postgres.ConfigFromURL(cfg.Spreadsheet.DatabaseURL)
		if err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("ERROR: %w", err)}
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		defer func() { _ = db.Close() }()

		if !cfg.Spreadsheet.DryRun {
			if err := auditlog.EnsureSchema(ctx, db); err != nil {
				return err
			}
			hostname, _ := os.Hostname()
			actor := cfg.Spreadsheet.Email
			if actor == "" {
				actor = env.String("USER", "runsync")
			}
			submitter = runtimeexec.WithRecorder(submitter, auditlog.NewRecorder(db, actor, hostname), logger)
		}
	}

	creds := newCredentials(cfg.Spreadsheet)
	if err := checkCredentials(ctx, cfg.Spreadsheet, creds); err != nil {
		return err
	}
	locations := run.Locations(cfg.Locations)

	sup := &supervisor.Supervisor{
		Logger:       logger,
		Debug:        opts.debug,
		RestartDelay: cfg.Loop.RestartDelay,
		Notify:       sinks.Note,
		Attempt: func(ctx context.Context, generation string) error {
			tbl, err := newTable(ctx, cfg, db, creds, logger)
			if err != nil {
				return err
			}
			loop, err := reconcile.New(reconcile.Deps{
				Logger:    logger,
				Table:     tbl,
				Sink:      sinks,
				Submitter: submitter,
				Locations: locations,
				Archiver:  archiver,
			}, reconcile.Config{
				SWMR:       cfg.Spreadsheet.SWMR(),
				Interval:   cfg.Loop.Interval,
				WriteEvery: cfg.Loop.WriteEvery,
				Generation: generation,
			})
			if err != nil {
				return err
			}
			return loop.Run(ctx)
		},
	}

	logger.Info("runsync starting",
		"config", opts.configPath,
		"backend", cfg.Spreadsheet.Backend,
		"cluster", submitter.Kind(),
		"dry_run", cfg.Spreadsheet.DryRun,
		"swmr", cfg.Spreadsheet.SWMR(),
		"debug", opts.debug,
	)
	return sup.Run(ctx)
}

func title(cfg config.Config) string {
	if cfg.Spreadsheet.Backend == config.BackendPostgres {
		return "runsync: table " + cfg.Spreadsheet.Table
	}
	return fmt.Sprintf("runsync: %s / %s", cfg.Spreadsheet.SpreadsheetName, cfg.Spreadsheet.WorksheetName)
}

func newLogger(cfg config.Logging, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}
	out, closeFn := stderr, func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = f, func() { _ = f.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// newCredentials prefers a configured password, then the environment, then an
// interactive prompt. The result is cached until the table of record rejects
// it.
func newCredentials(s config.Spreadsheet) credentials.Provider {
	if s.HasPassword {
		return credentials.Static{Username: s.Email, Password: s.Password}
	}
	return credentials.Once(credentials.Chain(
		credentials.Env{Username: s.Email, Key: passwordEnv},
		credentials.NewPrompt(s.Email),
	))
}

// checkCredentials asks for the spreadsheet login before the first loop
// attempt so a missing password ends the process instead of restarting it.
func checkCredentials(ctx context.Context, s config.Spreadsheet, creds credentials.Provider) error {
	if s.Backend != config.BackendSheets {
		return nil
	}
	if _, err := creds.Credentials(ctx); err != nil {
		return &exitError{code: exitUsage, err: fmt.Errorf("ERROR: credentials: %w", err)}
	}
	return nil
}

func newSubmitter(cfg config.Config, logger *slog.Logger) (runtimeexec.Submitter, error) {
	c := cfg.Cluster
	if cfg.Spreadsheet.DryRun {
		return runtimeexec.NewDryRunSubmitter(logger, c.Backend), nil
	}
	switch c.Backend {
	case config.ClusterBsub:
		return runtimeexec.NewBsubSubmitter(c.BsubBin, c.Queue, c.Command, c.Args, c.SWMRArgs)
	case config.ClusterKubernetes:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		return runtimeexec.NewKubernetesJobSubmitter(client, runtimeexec.KubernetesJobConfig{
			Namespace:      c.Namespace,
			Image:          c.Image,
			Command:        c.Command,
			Args:           c.Args,
			SWMRArgs:       c.SWMRArgs,
			JobTTLSeconds:  int32(c.JobTTLSeconds),
			ServiceAccount: c.ServiceAccount,
		})
	default:
		return nil, fmt.Errorf("unsupported cluster backend %q", c.Backend)
	}
}

func newArchiver(ctx context.Context, a config.Archive) (*objectstore.SnapshotArchiver, error) {
	storeCfg := objectstore.Config{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Region:    a.Region,
		UseSSL:    a.UseSSL,
		Bucket:    a.Bucket,
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, err
	}
	if err := objectstore.EnsureBucket(ctx, client, storeCfg); err != nil {
		return nil, err
	}
	return objectstore.NewSnapshotArchiver(client, a.Bucket, a.Prefix)
}

// newTable builds a fresh table client for one loop invocation.
func newTable(ctx context.Context, cfg config.Config, db *sql.DB, creds credentials.Provider, logger *slog.Logger) (table.Client, error) {
	s := cfg.Spreadsheet
	var client table.Client
	switch s.Backend {
	case config.BackendSheets:
		httpClient, err := sheets.HTTPClient(ctx, sheets.AuthConfig{
			IssuerURL:    s.IssuerURL,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
		}, creds)
		if err != nil {
			return nil, err
		}
		c, err := sheets.New(ctx, sheets.Config{
			APIURL:          s.APIURL,
			DriveURL:        s.DriveURL,
			SpreadsheetName: s.SpreadsheetName,
			WorksheetName:   s.WorksheetName,
		}, httpClient)
		if err != nil {
			return nil, err
		}
		client = c
	case config.BackendPostgres:
		if db == nil {
			return nil, errors.New("postgres backend without database")
		}
		c, err := pgtable.New(db, s.Table, logger)
		if err != nil {
			return nil, err
		}
		if err := c.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("unsupported table backend %q", s.Backend)
	}

	if s.DryRun {
		return table.ReadOnly{Client: client, Logger: logger}, nil
	}
	return client, nil
}
