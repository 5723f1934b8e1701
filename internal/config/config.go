// Package config loads tenantmig settings from an optional YAML file and
// the environment. Environment variables override the file; unset values
// fall back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/blob"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/validator"
)

// Config is the complete runtime configuration.
type Config struct {
	Database         Database      `yaml:"database"`
	CatalogDir       string        `yaml:"catalogDir"`
	MaxConcurrency   int           `yaml:"maxConcurrency"`
	RunningTimeout   time.Duration `yaml:"runningTimeout"`
	IsolationSetting string        `yaml:"isolationSetting"`
	Blob             Blob          `yaml:"blob"`
	Alerts           Alerts        `yaml:"alerts"`
	Thresholds       Thresholds    `yaml:"thresholds"`
}

// Database selects and addresses the business database.
type Database struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"sslMode"`
	URL          string `yaml:"url"`
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// Blob configures snapshot payload storage.
type Blob struct {
	Driver      string `yaml:"driver"`
	FSRoot      string `yaml:"fsRoot"`
	S3Bucket    string `yaml:"s3Bucket"`
	S3Region    string `yaml:"s3Region"`
	S3Endpoint  string `yaml:"s3Endpoint"`
	S3PathStyle bool   `yaml:"s3PathStyle"`
	S3Prefix    string `yaml:"s3Prefix"`
}

// Alerts configures mail delivery of critical issues. Alerts are logged
// only when no recipient is set.
type Alerts struct {
	SMTPHost     string   `yaml:"smtpHost"`
	SMTPPort     int      `yaml:"smtpPort"`
	SMTPUser     string   `yaml:"smtpUser"`
	SMTPPassword string   `yaml:"smtpPassword"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
}

// Thresholds tunes validator severities.
type Thresholds struct {
	CompletenessWarn         float64 `yaml:"completenessWarn"`
	BusinessCriticalFraction float64 `yaml:"businessCriticalFraction"`
	ConcentrationShare       float64 `yaml:"concentrationShare"`
	ConcentrationMinRows     int64   `yaml:"concentrationMinRows"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := validator.DefaultThresholds()
	return Config{
		Database: Database{
			Driver:  "postgres",
			Port:    5432,
			SSLMode: "disable",
			Path:    "tenantmig.db",
		},
		CatalogDir:       "./migrations",
		MaxConcurrency:   4,
		RunningTimeout:   30 * time.Minute,
		IsolationSetting: "app.current_tenant",
		Blob:             Blob{Driver: string(blob.DriverFilesystem), FSRoot: "./snapshots"},
		Alerts:           Alerts{SMTPPort: 587},
		Thresholds: Thresholds{
			CompletenessWarn:         d.CompletenessWarn,
			BusinessCriticalFraction: d.BusinessCriticalFraction,
			ConcentrationShare:       d.ConcentrationShare,
			ConcentrationMinRows:     d.ConcentrationMinRows,
		},
	}
}

// Load reads path (optional) and applies the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v, ok := r.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(key string, dst *int64) {
	if v, ok := r.lookup(key); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if v, ok := r.lookup(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) list(key string, dst *[]string) {
	if v, ok := r.lookup(key); ok && v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	db := &cfg.Database
	r.str("DB_DRIVER", &db.Driver)
	r.str("DB_HOST", &db.Host)
	r.int("DB_PORT", &db.Port)
	r.str("DB_NAME", &db.Name)
	r.str("DB_USER", &db.User)
	r.str("DB_PASSWORD", &db.Password)
	r.str("DB_SSLMODE", &db.SSLMode)
	r.str("DATABASE_URL", &db.URL)
	r.str("DB_PATH", &db.Path)
	r.int("DB_MAX_OPEN_CONNS", &db.MaxOpenConns)

	r.str("TENANTMIG_CATALOG_DIR", &cfg.CatalogDir)
	r.int("TENANTMIG_MAX_CONCURRENCY", &cfg.MaxConcurrency)
	r.duration("TENANTMIG_RUNNING_TIMEOUT", &cfg.RunningTimeout)
	r.str("TENANTMIG_ISOLATION_SETTING", &cfg.IsolationSetting)

	b := &cfg.Blob
	r.str("TENANTMIG_BLOB_DRIVER", &b.Driver)
	r.str("TENANTMIG_BLOB_FS_ROOT", &b.FSRoot)
	r.str("TENANTMIG_BLOB_S3_BUCKET", &b.S3Bucket)
	r.str("TENANTMIG_BLOB_S3_REGION", &b.S3Region)
	r.str("TENANTMIG_BLOB_S3_ENDPOINT", &b.S3Endpoint)
	r.bool("TENANTMIG_BLOB_S3_PATH_STYLE", &b.S3PathStyle)
	r.str("TENANTMIG_BLOB_S3_PREFIX", &b.S3Prefix)

	a := &cfg.Alerts
	r.str("TENANTMIG_SMTP_HOST", &a.SMTPHost)
	r.int("TENANTMIG_SMTP_PORT", &a.SMTPPort)
	r.str("TENANTMIG_SMTP_USER", &a.SMTPUser)
	r.str("TENANTMIG_SMTP_PASSWORD", &a.SMTPPassword)
	r.str("TENANTMIG_SMTP_FROM", &a.From)
	r.list("TENANTMIG_ALERT_TO", &a.To)

	t := &cfg.Thresholds
	r.float("TENANTMIG_COMPLETENESS_WARN", &t.CompletenessWarn)
	r.float("TENANTMIG_BUSINESS_CRITICAL_FRACTION", &t.BusinessCriticalFraction)
	r.float("TENANTMIG_CONCENTRATION_SHARE", &t.ConcentrationShare)
	r.int64("TENANTMIG_CONCENTRATION_MIN_ROWS", &t.ConcentrationMinRows)

	return errors.Join(r.errs...)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if _, err := executor.ParseDialect(c.Database.Driver); err != nil {
		return err
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			return errors.New("blob driver s3 requires a bucket (TENANTMIG_BLOB_S3_BUCKET)")
		}
	default:
		return fmt.Errorf("unsupported blob driver %q (want fs, s3 or memory)", c.Blob.Driver)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("maxConcurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.RunningTimeout <= 0 {
		return fmt.Errorf("runningTimeout must be positive, got %s", c.RunningTimeout)
	}
	for name, v := range map[string]float64{
		"completenessWarn":         c.Thresholds.CompletenessWarn,
		"businessCriticalFraction": c.Thresholds.BusinessCriticalFraction,
		"concentrationShare":       c.Thresholds.ConcentrationShare,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("threshold %s must be in (0, 1], got %g", name, v)
		}
	}
	return nil
}

// DSN returns the connection string. Postgres prefers discrete fields when
// a host is set and falls back to the connection URL; SQLite uses the path.
func (c Config) DSN() (string, error) {
	dialect, err := executor.ParseDialect(c.Database.Driver)
	if err != nil {
		return "", err
	}
	db := c.Database
	if dialect == executor.SQLite {
		if db.Path == "" {
			return "", errors.New("sqlite requires a database path (DB_PATH)")
		}
		return db.Path, nil
	}

	if db.Host == "" {
		if db.URL == "" {
			return "", errors.New("no database configured: set DB_HOST or DATABASE_URL")
		}
		return db.URL, nil
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   db.Host,
		Path:   "/" + db.Name,
	}
	if db.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", db.Host, db.Port)
	}
	switch {
	case db.User != "" && db.Password != "":
		u.User = url.UserPassword(db.User, db.Password)
	case db.User != "":
		u.User = url.User(db.User)
	}
	if db.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	return u.String(), nil
}

// ExecutorConfig returns the executor settings.
func (c Config) ExecutorConfig() (executor.Config, error) {
	dialect, err := executor.ParseDialect(c.Database.Driver)
	if err != nil {
		return executor.Config{}, err
	}
	dsn, err := c.DSN()
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Dialect:          dialect,
		DSN:              dsn,
		MaxOpenConns:     c.Database.MaxOpenConns,
		IsolationSetting: c.IsolationSetting,
	}, nil
}

// BlobConfig returns the snapshot storage settings.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
			Prefix:    c.Blob.S3Prefix,
		},
	}
}

// MailConfig returns the alert mail settings.
func (c Config) MailConfig() audit.MailConfig {
	return audit.MailConfig{
		Host:     c.Alerts.SMTPHost,
		Port:     c.Alerts.SMTPPort,
		Username: c.Alerts.SMTPUser,
		Password: c.Alerts.SMTPPassword,
		From:     c.Alerts.From,
		To:       c.Alerts.To,
	}
}

// ValidatorThresholds returns the validator thresholds.
func (c Config) ValidatorThresholds() validator.Thresholds {
	t := validator.DefaultThresholds()
	t.CompletenessWarn = c.Thresholds.CompletenessWarn
	t.BusinessCriticalFraction = c.Thresholds.BusinessCriticalFraction
	t.ConcentrationShare = c.Thresholds.ConcentrationShare
	t.ConcentrationMinRows = c.Thresholds.ConcentrationMinRows
	return t
}
