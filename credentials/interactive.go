package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"keepersecurity.com/gws-admin/errdefs"
)

// storedToken is the blob kept in the Store.
type storedToken struct {
	Mode   string        `json:"mode"`
	Token  *oauth2.Token `json:"token"`
	Scopes []string      `json:"scopes"`
}

func (m *Manager) loadStored() (st *storedToken) {
	if m.opts.Store == nil {
		return nil
	}
	data, err := m.opts.Store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			m.log.Warn("stored token not usable", "error", err)
		}
		return nil
	}
	st = new(storedToken)
	if err = json.Unmarshal(data, st); err != nil || st.Token == nil || st.Mode != ModeInteractive.String() {
		m.log.Warn("stored token has an unexpected shape, ignoring it")
		return nil
	}
	return
}

func covers(granted, requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

func (m *Manager) interactive(ctx context.Context) (s *Session, err error) {
	var cfg *oauth2.Config
	if cfg, err = google.ConfigFromJSON(m.opts.Artifact, m.opts.Scopes...); err != nil {
		err = errdefs.CredentialsMalformed("OAuth client", err)
		return
	}
	// token refreshes must outlive the caller of Acquire
	var bg = context.WithoutCancel(ctx)

	if st := m.loadStored(); st != nil && covers(st.Scopes, m.opts.Scopes) {
		var ps = &persistingSource{
			base:   cfg.TokenSource(bg, st.Token),
			last:   st.Token,
			scopes: st.Scopes,
			store:  m.opts.Store,
			m:      m,
		}
		if _, err = ps.Token(); err == nil {
			return &Session{Mode: ModeInteractive, scopes: slices.Clone(st.Scopes), source: ps}, nil
		}
		m.log.Info("stored token could not be refreshed, asking for consent again", "error", err)
	}

	var tok *oauth2.Token
	if tok, err = m.consent(ctx, cfg); err != nil {
		return
	}
	var scopes = grantedScopes(tok, m.opts.Scopes)
	var ps = &persistingSource{
		base:   cfg.TokenSource(bg, tok),
		scopes: scopes,
		store:  m.opts.Store,
		m:      m,
	}
	if _, err = ps.Token(); err != nil {
		return
	}
	s = &Session{Mode: ModeInteractive, scopes: scopes, source: ps}
	return
}

type callback struct {
	code string
	err  error
}

// consent runs the loopback authorization-code flow with PKCE.
func (m *Manager) consent(ctx context.Context, cfg *oauth2.Config) (tok *oauth2.Token, err error) {
	if m.opts.Interaction == nil {
		err = errdefs.ConsentRequired("no stored token can be refreshed and no browser is available")
		return
	}
	var ln net.Listener
	if ln, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		err = fmt.Errorf("loopback listener: %w", err)
		return
	}
	var state = uuid.NewString()
	var verifier = oauth2.GenerateVerifier()
	var flow = *cfg
	flow.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

	var results = make(chan callback, 1)
	var once sync.Once
	var srv = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var q = r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "unexpected state", http.StatusBadRequest)
				return
			}
			var cb callback
			if e := q.Get("error"); e != "" {
				cb.err = errdefs.ConsentRequired("consent was declined: " + e)
				_, _ = fmt.Fprintln(w, "Authorization was declined. You can close this window.")
			} else {
				cb.code = q.Get("code")
				_, _ = fmt.Fprintln(w, "Authorization complete. You can close this window.")
			}
			once.Do(func() { results <- cb })
		}),
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer func() {
		var sctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	var authURL = flow.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))
	m.opts.Interaction.Message("Opening the browser to authorize access to Google Workspace.")
	if e := m.opts.Interaction.OpenURL(ctx, authURL); e != nil {
		m.opts.Interaction.Message("Open this address in a browser to continue: " + authURL)
	}

	var expired = m.opts.Clock.After(m.opts.ConsentTimeout)
	var cb callback
	select {
	case cb = <-results:
	case <-expired:
		err = errdefs.ConsentTimeout(m.opts.ConsentTimeout)
		return
	case <-ctx.Done():
		err = errdefs.Cancelled("consent", ctx.Err())
		return
	}
	if cb.err != nil {
		err = cb.err
		return
	}
	if tok, err = flow.Exchange(context.WithoutCancel(ctx), cb.code, oauth2.VerifierOption(verifier)); err != nil {
		err = classifyTokenError("interactive", err)
		return
	}
	m.log.Info("interactive consent completed")
	return
}

// persistingSource writes token material to the store whenever the wrapped
// source hands out different material than was last saved.
type persistingSource struct {
	base   oauth2.TokenSource
	scopes []string
	store  Store
	m      *Manager

	mu   sync.Mutex
	last *oauth2.Token
}

func sameMaterial(a, b *oauth2.Token) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		a.TokenType == b.TokenType &&
		a.Expiry.Equal(b.Expiry)
}

func (ps *persistingSource) Token() (tok *oauth2.Token, err error) {
	if tok, err = ps.base.Token(); err != nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if sameMaterial(ps.last, tok) || ps.store == nil {
		return
	}
	ps.scopes = grantedScopes(tok, ps.scopes)
	var data []byte
	if data, err = json.Marshal(&storedToken{Mode: ModeInteractive.String(), Token: tok, Scopes: ps.scopes}); err != nil {
		return
	}
	if err = ps.store.Save(data); err != nil {
		ps.m.log.Warn("token could not be persisted", "error", err)
		err = nil
		return
	}
	ps.last = tok
	return
}
