package cli

import (
	"keepersecurity.com/gws-admin/errdefs"
)

const (
	scopesDoc     = "https://developers.google.com/workspace/admin/directory/v1/guides/authorizing"
	delegationDoc = "https://support.google.com/a/answer/162106"
)

// remediation tells the administrator what to do about err. Kinds without an
// actionable next step return "".
func remediation(err error) string {
	e, ok := errdefs.As(err)
	if !ok {
		return ""
	}
	switch e.Kind {
	case errdefs.KindValidation:
		return "check the value of " + e.Field + " and try again"
	case errdefs.KindCredentialsMissing:
		return "save a service account key or OAuth client as the credentials file (GWS_CREDENTIALS), or set KSM_CONFIG_BASE64"
	case errdefs.KindCredentialsMalformed:
		return "download the credentials JSON again from the Google Cloud console"
	case errdefs.KindAuthRequired, errdefs.KindConsentRequired:
		return "run the command again in a terminal to complete Google sign-in"
	case errdefs.KindConsentTimeout:
		return "sign-in was not completed in time; run the command again and finish the browser flow"
	case errdefs.KindDelegationDenied:
		return "authorize the service account client ID for domain-wide delegation and set GWS_ADMIN_SUBJECT to a super administrator; see " + delegationDoc
	case errdefs.KindScopeNotGranted:
		return "grant the scope " + e.Scope + " to the client and check the impersonated subject; see " + scopesDoc
	case errdefs.KindForbidden:
		return "the administrator lacks a privilege or a scope for this call; check the admin role of the subject and the granted scopes, see " + scopesDoc
	case errdefs.KindNotFound:
		return "refresh the cache (gwsadmin cache refresh) and check the identifier"
	case errdefs.KindAlreadyExists:
		return "the object exists already; choose another identifier or update the existing one"
	case errdefs.KindRateLimited, errdefs.KindTransient:
		return "the provider is busy; retry shortly"
	case errdefs.KindInvalidOrgUnit:
		return "list organizational units (gwsadmin orgunits list) and use an existing path"
	case errdefs.KindDomainMismatch:
		return "use an address in " + e.Expected
	case errdefs.KindNotificationRequired:
		return "share again with --notify"
	case errdefs.KindBadRequest:
		return "the provider rejected the request; check the values and the provider message"
	case errdefs.KindUnverified:
		return "the change was accepted and is still propagating; check again in a minute"
	case errdefs.KindLoadTimeout:
		return "loading took too long; retry or raise GWS_LOAD_DEADLINE"
	}
	return ""
}
