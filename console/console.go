// Package console assembles the core from a configuration. The CLI and the
// Cloud Function both start here.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"keepersecurity.com/gws-admin/audit"
	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/config"
	"keepersecurity.com/gws-admin/credentials"
	"keepersecurity.com/gws-admin/demo"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/monitor"
	"keepersecurity.com/gws-admin/pipeline"
	"keepersecurity.com/gws-admin/transport"
	"keepersecurity.com/gws-admin/verify"
)

type Options struct {
	// Interaction reaches the administrator during interactive consent. The
	// Cloud Function has none.
	Interaction credentials.Interaction
	Clock       clock.Clock
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	// Transport replaces the provider connection. Credentials are not
	// acquired when it is set.
	Transport transport.Transport
	// Keeper loads the Keeper record; nil uses credentials.LoadKeeperRecord.
	Keeper func(configBase64, recordUid string) (*credentials.KeeperRecord, error)
}

type Console struct {
	Config      *config.Config
	Domain      string
	Demo        bool
	Clock       clock.Clock
	Log         *slog.Logger
	Registry    *prometheus.Registry
	Credentials *credentials.Manager
	Session     *credentials.Session
	Transport   transport.Transport
	Cache       *cache.Cache
	Monitor     *monitor.Monitor
	Verifier    *verify.Engine
	AuditStore  audit.Store
	Audit       *audit.Log
	Pipeline    *pipeline.Pipeline
}

// Open builds every component. In demo mode the directory is the fixture
// set from package demo and no credentials are read.
func Open(ctx context.Context, cfg *config.Config, opts Options) (c *Console, err error) {
	c = &Console{
		Config:   cfg,
		Domain:   cfg.WorkspaceDomain,
		Demo:     cfg.DemoMode,
		Clock:    opts.Clock,
		Log:      opts.Logger,
		Registry: opts.Registry,
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	c.Monitor = monitor.New(monitor.DefaultCapacity, c.Registry)
	var retrier = transport.NewRetrier(cfg.RetryPolicy(), c.Clock, c.Log)

	var artifact []byte
	var subject = cfg.AdminSubject
	var scopes = cfg.Scopes
	if cfg.KsmConfig != "" && opts.Transport == nil {
		var load = opts.Keeper
		if load == nil {
			load = credentials.LoadKeeperRecord
		}
		var rec *credentials.KeeperRecord
		if rec, err = load(cfg.KsmConfig, cfg.KsmRecordUid); err != nil {
			return nil, err
		}
		artifact = rec.Credentials
		if subject == "" {
			subject = rec.Subject
		}
		if c.Domain == "" {
			c.Domain = rec.Domain
		}
		if len(rec.Scopes) > 0 {
			scopes = rec.Scopes
		}
		c.Demo = c.Demo || rec.Demo
		c.Log.Info("credentials loaded from Keeper record", "record", rec.Uid, "subject", subject)
	}

	if c.Demo && c.Domain == "" {
		c.Domain = demo.Domain
	}
	switch {
	case opts.Transport != nil:
		c.Transport = opts.Transport
	case c.Demo:
		c.Transport = demo.New(transport.MemoryOptions{Domain: c.Domain, Retrier: retrier, Clock: c.Clock})
		c.Log.Warn("demo mode: using the built-in fixture directory", "domain", c.Domain)
	default:
		if artifact == nil {
			if artifact, err = readArtifact(cfg.CredentialsPath); err != nil {
				return nil, err
			}
		}
		if c.Credentials, err = credentials.NewManager(credentials.Options{
			Artifact:       artifact,
			Subject:        subject,
			Scopes:         scopes,
			Store:          credentials.NewFileStore(cfg.TokenPath),
			Interaction:    opts.Interaction,
			ConsentTimeout: cfg.ConsentTimeout,
			Clock:          c.Clock,
			Logger:         c.Log,
		}); err != nil {
			return nil, err
		}
		if c.Session, err = c.Credentials.Acquire(ctx); err != nil {
			return nil, err
		}
		if c.Transport, err = transport.NewGoogle(ctx, c.Session.Client(ctx), transport.GoogleOptions{
			Scopes:            c.Session.Scopes(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			Retrier:           retrier,
			Logger:            c.Log,
		}); err != nil {
			return nil, err
		}
	}
	if c.Domain == "" {
		return nil, errdefs.Validation("workspace_domain", "required")
	}

	if c.Cache, err = cache.New(c.Transport, cache.Options{
		TTL:          cfg.CacheTTL,
		LoadDeadline: cfg.LoadDeadline,
		Demo:         c.Demo,
		Clock:        c.Clock,
		Logger:       c.Log,
	}); err != nil {
		return nil, err
	}
	if c.AuditStore, err = OpenAuditStore(cfg.AuditBackend, cfg.AuditPath); err != nil {
		return nil, err
	}
	c.Audit = audit.NewLog(c.AuditStore, c.Clock, cfg.Actor, c.Log)
	c.Verifier = verify.New(verify.Options{Attempts: cfg.VerifyAttempts, Delay: cfg.VerifyDelay}, c.Clock, c.Monitor, c.Log)
	c.Pipeline = pipeline.New(pipeline.Deps{
		Transport: c.Transport,
		Cache:     c.Cache,
		Verifier:  c.Verifier,
		Audit:     c.Audit,
		Monitor:   c.Monitor,
		Clock:     c.Clock,
	}, pipeline.Options{Domain: c.Domain, Logger: c.Log})
	return c, nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errdefs.CredentialsMissing(fmt.Sprintf("no credential artifact at %s", path))
		}
		return nil, errdefs.CredentialsMalformed("credential artifact is not readable", err)
	}
	return data, nil
}

// OpenAuditStore opens the audit backend named by the configuration.
func OpenAuditStore(backend, path string) (audit.Store, error) {
	switch backend {
	case config.AuditMemory:
		return audit.NewMemoryStore(), nil
	case config.AuditSQL:
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("audit directory: %w", err)
		}
		st, err := audit.OpenSQL(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.AuditJSONL, "":
		st, err := audit.OpenJSONL(path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported audit backend %q", backend)
}

func (c *Console) Close() error {
	if c.AuditStore != nil {
		return c.AuditStore.Close()
	}
	return nil
}
