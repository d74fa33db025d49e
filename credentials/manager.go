// Package credentials produces authorized sessions for the Workspace APIs,
// either by impersonating an administrator with a service account key or by
// running the interactive consent flow for an OAuth client.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/errdefs"
)

type Mode int

const (
	ModeDelegated Mode = iota + 1
	ModeInteractive
)

func (m Mode) String() string {
	switch m {
	case ModeDelegated:
		return "delegated"
	case ModeInteractive:
		return "interactive"
	}
	return "unknown"
}

// DetectMode inspects the credential artifact once and picks the auth mode.
func DetectMode(artifact []byte) (mode Mode, err error) {
	if len(bytes.TrimSpace(artifact)) == 0 {
		err = errdefs.CredentialsMissing("credential artifact is empty")
		return
	}
	var shape struct {
		Type      string          `json:"type"`
		Installed json.RawMessage `json:"installed"`
		Web       json.RawMessage `json:"web"`
	}
	if err = json.Unmarshal(artifact, &shape); err != nil {
		err = errdefs.CredentialsMalformed("credential artifact is not JSON", err)
		return
	}
	switch {
	case shape.Type == "service_account":
		mode = ModeDelegated
	case len(shape.Installed) > 0 || len(shape.Web) > 0:
		mode = ModeInteractive
	default:
		err = errdefs.CredentialsMalformed("expected a service account key or an OAuth client (installed or web)", nil)
	}
	return
}

// Interaction lets the interactive flow reach the administrator.
type Interaction interface {
	OpenURL(ctx context.Context, url string) error
	Message(text string)
}

type Options struct {
	// Artifact is the service account key or OAuth client JSON.
	Artifact []byte
	// Subject is the administrator impersonated in delegated mode.
	Subject string
	Scopes  []string
	// Store persists interactive tokens. Delegated mode never uses it.
	Store          Store
	Interaction    Interaction
	ConsentTimeout time.Duration
	// Clock measures ConsentTimeout.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is an authorization good for at least one call.
type Session struct {
	Mode    Mode
	Subject string
	scopes  []string
	source  oauth2.TokenSource
}

// Scopes returns the consented capability set.
func (s *Session) Scopes() []string {
	return slices.Clone(s.scopes)
}

func (s *Session) Token() (*oauth2.Token, error) {
	return s.source.Token()
}

// Client returns an HTTP client that authorizes every request.
func (s *Session) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.source)
}

// NewStaticSession wraps an existing token source, e.g. in tests.
func NewStaticSession(mode Mode, scopes []string, ts oauth2.TokenSource) *Session {
	return &Session{Mode: mode, scopes: slices.Clone(scopes), source: ts}
}

type Manager struct {
	mode Mode
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	session *Session
}

func NewManager(opts Options) (m *Manager, err error) {
	var mode Mode
	if mode, err = DetectMode(opts.Artifact); err != nil {
		return
	}
	if len(opts.Scopes) == 0 {
		err = errdefs.Validation("scopes", "at least one scope is required")
		return
	}
	if mode == ModeDelegated && opts.Subject == "" {
		err = errdefs.Validation("admin_subject", "required for a service account key")
		return
	}
	if opts.ConsentTimeout <= 0 {
		opts.ConsentTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m = &Manager{mode: mode, opts: opts, log: opts.Logger}
	return
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// Scopes returns the consented set of the current session, or the requested
// set before the first Acquire.
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session.Scopes()
	}
	return slices.Clone(m.opts.Scopes)
}

// Acquire returns a session that holds a valid token, refreshing or
// re-consenting as needed.
func (m *Manager) Acquire(ctx context.Context) (s *Session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if _, err = m.session.Token(); err == nil {
			return m.session, nil
		}
		m.log.Info("session token unusable, re-acquiring", "mode", m.mode, "error", err)
		m.session = nil
	}
	switch m.mode {
	case ModeDelegated:
		s, err = m.delegated(ctx)
	default:
		s, err = m.interactive(ctx)
	}
	if err == nil {
		m.session = s
	}
	return
}

var deniedCodes = []string{"unauthorized_client", "access_denied", "invalid_grant"}

// retrieveErrorCode returns the OAuth error code of a token endpoint failure.
func retrieveErrorCode(err error) (code string, ok bool) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return
	}
	ok = true
	if code = re.ErrorCode; code == "" {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(re.Body, &body) == nil {
			code = body.Error
		}
	}
	return
}

func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if tok != nil {
		if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
			return strings.Fields(s)
		}
	}
	return slices.Clone(requested)
}
