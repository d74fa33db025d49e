package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepersecurity.com/gws-admin/transport"
)

// isolate points the default file lookup at an empty directory and clears
// the variables Load reads.
func isolate(t *testing.T) string {
	var dir = t.TempDir()
	t.Setenv(EnvConfigFile, "")
	for _, key := range []string{
		EnvWorkspaceDomain, EnvAdminSubject, EnvScopes, EnvCacheTTL, EnvLoadDeadline,
		EnvVerifyAttempts, EnvVerifyDelay, EnvTransportRetries, EnvTransportBackoff,
		EnvRequestTimeout, EnvRequestsPerSecond, EnvConsentTimeout, EnvAuditBackend,
		EnvAuditPath, EnvCredentials, EnvTokenPath, EnvActor, EnvDemoMode, EnvLogLevel,
		EnvLogFormat, EnvKsmConfig, EnvKsmRecordUid,
	} {
		t.Setenv(key, "")
	}
	return dir
}

func writeFile(t *testing.T, dir, content string) string {
	var path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	var dir = isolate(t)
	t.Setenv(EnvWorkspaceDomain, "example.com")
	t.Setenv(EnvAdminSubject, "admin@example.com")
	var path = writeFile(t, dir, "{}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, 120*time.Second, cfg.LoadDeadline)
	assert.Equal(t, 3, cfg.VerifyAttempts)
	assert.Equal(t, 5*time.Second, cfg.VerifyDelay)
	assert.Equal(t, 30*time.Second, cfg.ConsentTimeout)
	assert.Equal(t, transport.DefaultScopes, cfg.Scopes)
	assert.Equal(t, AuditJSONL, cfg.AuditBackend)
	assert.Equal(t, "audit.jsonl", filepath.Base(cfg.AuditPath))
	assert.Equal(t, "admin@example.com", cfg.Actor)
	assert.Equal(t, transport.Policy{Retries: 3, Backoff: time.Second, RequestTimeout: 30 * time.Second}, cfg.RetryPolicy())
}

func TestFileThenEnvironment(t *testing.T) {
	var dir = isolate(t)
	var path = writeFile(t, dir, `
workspace_domain: example.com
cache_ttl: 10m
verify_attempts: 5
audit_backend: sql
scopes:
  - https://www.googleapis.com/auth/admin.directory.user.readonly
`)
	t.Setenv(EnvVerifyAttempts, "7")
	t.Setenv(EnvVerifyDelay, "2")
	t.Setenv(EnvRequestsPerSecond, "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 7, cfg.VerifyAttempts)
	assert.Equal(t, 2*time.Second, cfg.VerifyDelay)
	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	assert.Equal(t, "audit.db", filepath.Base(cfg.AuditPath))
	assert.Equal(t, []string{"https://www.googleapis.com/auth/admin.directory.user.readonly"}, cfg.Scopes)

	t.Setenv(EnvScopes, "a, b,c")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Scopes)
}

func TestMissingDefaultFileIsFine(t *testing.T) {
	isolate(t)
	t.Setenv(EnvDemoMode, "true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DemoMode)
}

func TestExplicitMissingFileFails(t *testing.T) {
	var dir = isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidation(t *testing.T) {
	var dir = isolate(t)
	var path = writeFile(t, dir, "{}\n")

	for _, tc := range []struct {
		name string
		env  map[string]string
		want string
	}{
		{"domain required", map[string]string{}, EnvWorkspaceDomain},
		{"domain shape", map[string]string{EnvWorkspaceDomain: "admin@example.com"}, "not a domain"},
		{"bad duration", map[string]string{EnvWorkspaceDomain: "example.com", EnvCacheTTL: "soon"}, EnvCacheTTL},
		{"zero attempts", map[string]string{EnvWorkspaceDomain: "example.com", EnvVerifyAttempts: "0"}, EnvVerifyAttempts},
		{"backend", map[string]string{EnvWorkspaceDomain: "example.com", EnvAuditBackend: "badger"}, "unsupported backend"},
		{"log level", map[string]string{EnvWorkspaceDomain: "example.com", EnvLogLevel: "loud"}, EnvLogLevel},
		{"demo flag", map[string]string{EnvDemoMode: "maybe"}, EnvDemoMode},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoggerFormat(t *testing.T) {
	var cfg = Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	var log = cfg.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"key":"value"`)
}

func TestRedacted(t *testing.T) {
	var cfg = Default()
	cfg.KsmConfig = "eyJzZWNyZXQiOiJ4In0="
	assert.Equal(t, "(set)", cfg.Redacted().KsmConfig)
	assert.Equal(t, "eyJzZWNyZXQiOiJ4In0=", cfg.KsmConfig)
}
