package credentials

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"keepersecurity.com/gws-admin/errdefs"
)

// delegated mints tokens for the configured subject with the service
// account key. The first token is requested right away so that a subject
// the domain has not authorized is reported here, not on the first call.
func (m *Manager) delegated(ctx context.Context) (s *Session, err error) {
	var params = google.CredentialsParams{
		Scopes:  m.opts.Scopes,
		Subject: m.opts.Subject,
	}
	var creds *google.Credentials
	if creds, err = google.CredentialsFromJSONWithParams(context.WithoutCancel(ctx), m.opts.Artifact, params); err != nil {
		err = errdefs.CredentialsMalformed("service account key", err)
		return
	}
	var ts = oauth2.ReuseTokenSource(nil, creds.TokenSource)
	if _, err = ts.Token(); err != nil {
		err = classifyTokenError(m.opts.Subject, err)
		return
	}
	m.log.Debug("delegated session established", "subject", m.opts.Subject, "scopes", len(m.opts.Scopes))
	s = &Session{
		Mode:    ModeDelegated,
		Subject: m.opts.Subject,
		scopes:  slices.Clone(m.opts.Scopes),
		source:  ts,
	}
	return
}

func classifyTokenError(subject string, err error) error {
	code, ok := retrieveErrorCode(err)
	if !ok {
		return errdefs.Transient(fmt.Errorf("token endpoint: %w", err))
	}
	if slices.Contains(deniedCodes, code) {
		return errdefs.DelegationDenied(subject, err)
	}
	return errdefs.AuthRequired(fmt.Sprintf("token endpoint rejected the request (%s)", code))
}
