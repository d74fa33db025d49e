// Package config loads the console settings from built-in defaults, an
// optional YAML file and GWS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"keepersecurity.com/gws-admin/transport"
)

const appName = "gws-admin"

// Environment variable names.
const (
	EnvWorkspaceDomain   = "GWS_WORKSPACE_DOMAIN"
	EnvAdminSubject      = "GWS_ADMIN_SUBJECT"
	EnvScopes            = "GWS_SCOPES"
	EnvCacheTTL          = "GWS_CACHE_TTL"
	EnvLoadDeadline      = "GWS_LOAD_DEADLINE"
	EnvVerifyAttempts    = "GWS_VERIFY_ATTEMPTS"
	EnvVerifyDelay       = "GWS_VERIFY_DELAY"
	EnvTransportRetries  = "GWS_TRANSPORT_RETRIES"
	EnvTransportBackoff  = "GWS_TRANSPORT_BACKOFF"
	EnvRequestTimeout    = "GWS_REQUEST_TIMEOUT"
	EnvRequestsPerSecond = "GWS_REQUESTS_PER_SECOND"
	EnvConsentTimeout    = "GWS_CONSENT_TIMEOUT"
	EnvAuditBackend      = "GWS_AUDIT_BACKEND"
	EnvAuditPath         = "GWS_AUDIT_PATH"
	EnvCredentials       = "GWS_CREDENTIALS"
	EnvTokenPath         = "GWS_TOKEN_PATH"
	EnvActor             = "GWS_ACTOR"
	EnvDemoMode          = "GWS_DEMO_MODE"
	EnvLogLevel          = "GWS_LOG_LEVEL"
	EnvLogFormat         = "GWS_LOG_FORMAT"
	EnvConfigFile        = "GWS_CONFIG"
	EnvKsmConfig         = "KSM_CONFIG_BASE64"
	EnvKsmRecordUid      = "KSM_RECORD_UID"
)

// Audit backends.
const (
	AuditJSONL  = "jsonl"
	AuditSQL    = "sql"
	AuditMemory = "memory"
)

type Config struct {
	WorkspaceDomain string   `yaml:"workspace_domain"`
	AdminSubject    string   `yaml:"admin_subject"`
	Scopes          []string `yaml:"scopes"`

	CacheTTL          time.Duration `yaml:"cache_ttl"`
	LoadDeadline      time.Duration `yaml:"load_deadline"`
	VerifyAttempts    int           `yaml:"verify_attempts"`
	VerifyDelay       time.Duration `yaml:"verify_delay"`
	TransportRetries  int           `yaml:"transport_retries"`
	TransportBackoff  time.Duration `yaml:"transport_backoff"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	ConsentTimeout    time.Duration `yaml:"consent_timeout"`

	AuditBackend    string `yaml:"audit_backend"`
	AuditPath       string `yaml:"audit_path"`
	CredentialsPath string `yaml:"credentials_path"`
	TokenPath       string `yaml:"token_path"`

	// KsmConfig and KsmRecordUid select a Keeper Secrets Manager record that
	// holds the service account instead of CredentialsPath.
	KsmConfig    string `yaml:"ksm_config"`
	KsmRecordUid string `yaml:"ksm_record_uid"`

	Actor     string `yaml:"actor"`
	DemoMode  bool   `yaml:"demo_mode"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Scopes:            append([]string(nil), transport.DefaultScopes...),
		CacheTTL:          300 * time.Second,
		LoadDeadline:      120 * time.Second,
		VerifyAttempts:    3,
		VerifyDelay:       5 * time.Second,
		TransportRetries:  3,
		TransportBackoff:  time.Second,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 10,
		ConsentTimeout:    30 * time.Second,
		AuditBackend:      AuditJSONL,
		CredentialsPath:   filepath.Join(xdg.ConfigHome, appName, "credentials.json"),
		TokenPath:         filepath.Join(xdg.DataHome, appName, "token.json"),
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// DefaultFile is the YAML file read when GWS_CONFIG is not set.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load builds the configuration. path names a YAML file; an empty path
// falls back to GWS_CONFIG and then DefaultFile, and a missing default file
// is not an error.
func Load(path string) (cfg *Config, err error) {
	cfg = Default()
	var explicit = path != ""
	if !explicit {
		if path = os.Getenv(EnvConfigFile); path != "" {
			explicit = true
		} else {
			path = DefaultFile()
		}
	}
	if err = cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		err = nil
	}
	if err = cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() (err error) {
	c.WorkspaceDomain = getEnv(EnvWorkspaceDomain, c.WorkspaceDomain)
	c.AdminSubject = getEnv(EnvAdminSubject, c.AdminSubject)
	if v := os.Getenv(EnvScopes); v != "" {
		c.Scopes = splitList(v)
	}
	if c.CacheTTL, err = getEnvDuration(EnvCacheTTL, c.CacheTTL); err != nil {
		return
	}
	if c.LoadDeadline, err = getEnvDuration(EnvLoadDeadline, c.LoadDeadline); err != nil {
		return
	}
	if c.VerifyAttempts, err = getEnvInt(EnvVerifyAttempts, c.VerifyAttempts); err != nil {
		return
	}
	if c.VerifyDelay, err = getEnvDuration(EnvVerifyDelay, c.VerifyDelay); err != nil {
		return
	}
	if c.TransportRetries, err = getEnvInt(EnvTransportRetries, c.TransportRetries); err != nil {
		return
	}
	if c.TransportBackoff, err = getEnvDuration(EnvTransportBackoff, c.TransportBackoff); err != nil {
		return
	}
	if c.RequestTimeout, err = getEnvDuration(EnvRequestTimeout, c.RequestTimeout); err != nil {
		return
	}
	if c.RequestsPerSecond, err = getEnvFloat(EnvRequestsPerSecond, c.RequestsPerSecond); err != nil {
		return
	}
	if c.ConsentTimeout, err = getEnvDuration(EnvConsentTimeout, c.ConsentTimeout); err != nil {
		return
	}
	c.AuditBackend = getEnv(EnvAuditBackend, c.AuditBackend)
	c.AuditPath = getEnv(EnvAuditPath, c.AuditPath)
	c.CredentialsPath = getEnv(EnvCredentials, c.CredentialsPath)
	c.TokenPath = getEnv(EnvTokenPath, c.TokenPath)
	c.KsmConfig = getEnv(EnvKsmConfig, c.KsmConfig)
	c.KsmRecordUid = getEnv(EnvKsmRecordUid, c.KsmRecordUid)
	c.Actor = getEnv(EnvActor, c.Actor)
	if c.DemoMode, err = getEnvBool(EnvDemoMode, c.DemoMode); err != nil {
		return
	}
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.LogFormat = getEnv(EnvLogFormat, c.LogFormat)
	return
}

func (c *Config) fillDerived() {
	c.AuditBackend = strings.ToLower(c.AuditBackend)
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.AuditPath == "" {
		switch c.AuditBackend {
		case AuditSQL:
			c.AuditPath = filepath.Join(xdg.DataHome, appName, "audit.db")
		case AuditJSONL:
			c.AuditPath = filepath.Join(xdg.DataHome, appName, "audit.jsonl")
		}
	}
	if c.Actor == "" {
		c.Actor = c.AdminSubject
	}
	if c.Actor == "" {
		c.Actor = os.Getenv("USER")
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.WorkspaceDomain == "" && !c.DemoMode && c.KsmConfig == "" {
		return fmt.Errorf("%s: workspace domain is required", EnvWorkspaceDomain)
	}
	if c.WorkspaceDomain != "" && (strings.ContainsAny(c.WorkspaceDomain, "@ /") || !strings.Contains(c.WorkspaceDomain, ".")) {
		return fmt.Errorf("%s: %q is not a domain name", EnvWorkspaceDomain, c.WorkspaceDomain)
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("%s: at least one scope is required", EnvScopes)
	}
	for name, d := range map[string]time.Duration{
		EnvCacheTTL:       c.CacheTTL,
		EnvLoadDeadline:   c.LoadDeadline,
		EnvRequestTimeout: c.RequestTimeout,
		EnvConsentTimeout: c.ConsentTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: must be > 0", name)
		}
	}
	if c.VerifyAttempts < 1 {
		return fmt.Errorf("%s: must be >= 1", EnvVerifyAttempts)
	}
	if c.VerifyDelay < 0 || c.TransportBackoff < 0 {
		return fmt.Errorf("%s and %s must not be negative", EnvVerifyDelay, EnvTransportBackoff)
	}
	if c.TransportRetries < 0 {
		return fmt.Errorf("%s: must not be negative", EnvTransportRetries)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%s: must not be negative", EnvRequestsPerSecond)
	}
	switch c.AuditBackend {
	case AuditJSONL, AuditSQL, AuditMemory:
	default:
		return fmt.Errorf("%s: unsupported backend %q, expected jsonl, sql or memory", EnvAuditBackend, c.AuditBackend)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s: %w", EnvLogLevel, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%s: unsupported format %q, expected text or json", EnvLogFormat, c.LogFormat)
	}
	return nil
}

// RetryPolicy is the transport retry policy these settings describe.
func (c *Config) RetryPolicy() transport.Policy {
	return transport.Policy{
		Retries:        c.TransportRetries,
		Backoff:        c.TransportBackoff,
		RequestTimeout: c.RequestTimeout,
	}
}

// Logger creates the slog logger for LogLevel and LogFormat writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level, _ = parseLogLevel(c.LogLevel)
	var opts = &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Redacted returns a copy that is safe to print.
func (c *Config) Redacted() *Config {
	var r = *c
	r.Scopes = append([]string(nil), c.Scopes...)
	if r.KsmConfig != "" {
		r.KsmConfig = "(set)"
	}
	return &r
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	var val = os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	var val = os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, val)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("90s", "2m") and plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	var val = os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use 30s, 5m or seconds)", key, val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	var val = os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, val)
	}
	return b, nil
}

func splitList(s string) (out []string) {
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}
