// Package config loads the runsync configuration file. Two encodings are
// accepted: INI (the configobj layout operators already keep next to their
// beamtime data) and YAML, selected by file extension. Both decode into the
// same section/key view before being mapped onto Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/animus-labs/runsync/internal/platform/env"
)

// ModeSWMR is the literal spreadsheet.mode value that enables the
// secondary-writer submission. It is compared by exact equality.
const ModeSWMR = "swmr"

const (
	BackendSheets   = "sheets"
	BackendPostgres = "postgres"

	ClusterBsub       = "bsub"
	ClusterKubernetes = "kubernetes"
)

// tableNamePattern accepts a Postgres identifier, optionally schema-qualified.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}(\.[A-Za-z_][A-Za-z0-9_]{0,62})?$`)

const (
	FormatINI  = "ini"
	FormatYAML = "yaml"
)

type Config struct {
	// Locations holds the [locations] section after environment expansion.
	Locations   map[string]string
	Spreadsheet Spreadsheet
	Cluster     Cluster
	Archive     Archive
	Status      Status
	Loop        Loop
	Logging     Logging
}

type Spreadsheet struct {
	Backend         string
	Email           string
	Password        string
	HasPassword     bool
	SpreadsheetName string
	WorksheetName   string
	DryRun          bool
	Mode            string

	IssuerURL    string
	ClientID     string
	ClientSecret string
	APIURL       string
	DriveURL     string

	DatabaseURL string
	Table       string
}

// SWMR reports whether the secondary-writer submission is configured.
func (s Spreadsheet) SWMR() bool {
	return s.Mode == ModeSWMR
}

type Cluster struct {
	Backend  string
	Command  string
	Args     []string
	SWMRArgs []string

	BsubBin string
	Queue   string

	Image          string
	Namespace      string
	ServiceAccount string
	JobTTLSeconds  int
}

type Archive struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether snapshots should be archived to object storage.
func (a Archive) Enabled() bool {
	return strings.TrimSpace(a.Endpoint) != ""
}

type Status struct {
	Addr string
}

type Loop struct {
	Interval     time.Duration
	WriteEvery   int
	RestartDelay time.Duration
}

type Logging struct {
	Level string
	File  string
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, FormatFromPath(path))
}

// FormatFromPath picks the decoder for a config file name.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatINI
	}
}

// Parse decodes data in the given format and validates the result.
func Parse(data []byte, format string) (Config, error) {
	var (
		secs sections
		err  error
	)
	switch format {
	case FormatINI, "":
		secs, err = decodeINI(data)
	case FormatYAML:
		secs, err = decodeYAML(data)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return Config{}, err
	}

	cfg, err := fromSections(secs)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromSections(secs sections) (Config, error) {
	var cfg Config
	cfg.Locations = env.ExpandAll(secs.section("locations"))

	s := secs.view("spreadsheet")
	dryRun, err := s.boolean("dry_run", false)
	if err != nil {
		return Config{}, err
	}
	password, hasPassword := s.lookup("password")
	cfg.Spreadsheet = Spreadsheet{
		Backend:         strings.ToLower(s.str("backend", BackendSheets)),
		Email:           s.str("email", ""),
		Password:        password,
		HasPassword:     hasPassword,
		SpreadsheetName: s.str("spreadsheet_name", ""),
		WorksheetName:   s.str("worksheet_name", ""),
		DryRun:          dryRun,
		Mode:            s.raw("mode"),
		IssuerURL:       s.str("issuer_url", "https://accounts.google.com"),
		ClientID:        s.str("client_id", ""),
		ClientSecret:    s.str("client_secret", ""),
		APIURL:          s.str("api_url", "https://sheets.googleapis.com"),
		DriveURL:        s.str("drive_url", "https://www.googleapis.com"),
		DatabaseURL:     os.ExpandEnv(s.str("database_url", "")),
		Table:           s.str("table", "runs"),
	}

	c := secs.view("cluster")
	ttl, err := c.integer("job_ttl_seconds", 3600)
	if err != nil {
		return Config{}, err
	}
	cfg.Cluster = Cluster{
		Backend:        strings.ToLower(c.str("backend", ClusterBsub)),
		Command:        c.str("command", "cheetah-eiger"),
		Args:           c.list("args"),
		SWMRArgs:       c.list("swmr_args"),
		BsubBin:        c.str("bsub", "bsub"),
		Queue:          c.str("queue", ""),
		Image:          c.str("image", ""),
		Namespace:      c.str("namespace", ""),
		ServiceAccount: c.str("service_account", ""),
		JobTTLSeconds:  ttl,
	}

	a := secs.view("archive")
	useSSL, err := a.boolean("use_ssl", true)
	if err != nil {
		return Config{}, err
	}
	cfg.Archive = Archive{
		Endpoint:  a.str("endpoint", ""),
		AccessKey: a.str("access_key", ""),
		SecretKey: a.str("secret_key", ""),
		Region:    a.str("region", "us-east-1"),
		Bucket:    a.str("bucket", ""),
		Prefix:    strings.Trim(a.str("prefix", "runsync"), "/"),
		UseSSL:    useSSL,
	}

	cfg.Status = Status{Addr: secs.view("status").str("addr", "")}

	l := secs.view("loop")
	interval, err := l.duration("interval", 100*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	writeEvery, err := l.integer("write_every", 10)
	if err != nil {
		return Config{}, err
	}
	restartDelay, err := l.duration("restart_delay", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Loop = Loop{Interval: interval, WriteEvery: writeEvery, RestartDelay: restartDelay}

	g := secs.view("logging")
	cfg.Logging = Logging{
		Level: strings.ToLower(g.str("level", env.String("RUNSYNC_LOG_LEVEL", "info"))),
		File:  os.ExpandEnv(g.str("file", "")),
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Locations["raw"]) == "" {
		return errors.New("locations.raw is required")
	}
	if strings.TrimSpace(c.Locations["output"]) == "" {
		return errors.New("locations.output is required")
	}

	s := c.Spreadsheet
	switch s.Backend {
	case BackendSheets:
		if strings.TrimSpace(s.Email) == "" {
			return errors.New("spreadsheet.email is required")
		}
		if strings.TrimSpace(s.SpreadsheetName) == "" {
			return errors.New("spreadsheet.spreadsheet_name is required")
		}
		if strings.TrimSpace(s.WorksheetName) == "" {
			return errors.New("spreadsheet.worksheet_name is required")
		}
		if strings.TrimSpace(s.ClientID) == "" {
			return errors.New("spreadsheet.client_id is required")
		}
	case BackendPostgres:
		if strings.TrimSpace(s.DatabaseURL) == "" {
			return errors.New("spreadsheet.database_url is required for the postgres backend")
		}
		if !tableNamePattern.MatchString(strings.TrimSpace(s.Table)) {
			return fmt.Errorf("spreadsheet.table is not a valid table name: %q", s.Table)
		}
	default:
		return fmt.Errorf("spreadsheet.backend unsupported: %q", s.Backend)
	}

	switch c.Cluster.Backend {
	case ClusterBsub:
		if strings.TrimSpace(c.Cluster.Command) == "" {
			return errors.New("cluster.command is required")
		}
	case ClusterKubernetes:
		if strings.TrimSpace(c.Cluster.Image) == "" {
			return errors.New("cluster.image is required for the kubernetes backend")
		}
		if c.Cluster.JobTTLSeconds < 0 {
			return errors.New("cluster.job_ttl_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("cluster.backend unsupported: %q", c.Cluster.Backend)
	}

	if c.Archive.Enabled() {
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return errors.New("archive.bucket is required")
		}
		if strings.TrimSpace(c.Archive.AccessKey) == "" || strings.TrimSpace(c.Archive.SecretKey) == "" {
			return errors.New("archive.access_key and archive.secret_key are required")
		}
		if strings.Contains(c.Archive.Endpoint, "://") {
			return fmt.Errorf("archive.endpoint must not include scheme: %q", c.Archive.Endpoint)
		}
	}

	if c.Loop.Interval <= 0 {
		return errors.New("loop.interval must be positive")
	}
	if c.Loop.WriteEvery < 1 {
		return errors.New("loop.write_every must be >= 1")
	}
	if c.Loop.RestartDelay < 0 {
		return errors.New("loop.restart_delay must be >= 0")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", c.Logging.Level)
	}
	return nil
}
