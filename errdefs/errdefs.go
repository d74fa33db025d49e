// Package errdefs defines the closed set of failure kinds the core reports.
//
// Every error that crosses a package boundary is either an *Error or wraps
// one, so callers switch on Kind instead of matching strings.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCredentialsMissing
	KindCredentialsMalformed
	KindAuthRequired
	KindConsentRequired
	KindConsentTimeout
	KindDelegationDenied
	KindScopeNotGranted
	KindForbidden
	KindNotFound
	KindAlreadyExists
	KindRateLimited
	KindTransient
	KindInvalidOrgUnit
	KindDomainMismatch
	KindNotificationRequired
	KindBadRequest
	KindUnverified
	KindLoadTimeout
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindValidation:           "Validation",
	KindCredentialsMissing:   "CredentialsMissing",
	KindCredentialsMalformed: "CredentialsMalformed",
	KindAuthRequired:         "AuthRequired",
	KindConsentRequired:      "ConsentRequired",
	KindConsentTimeout:       "ConsentTimeout",
	KindDelegationDenied:     "DelegationDenied",
	KindScopeNotGranted:      "ScopeNotGranted",
	KindForbidden:            "Forbidden",
	KindNotFound:             "NotFound",
	KindAlreadyExists:        "AlreadyExists",
	KindRateLimited:          "RateLimited",
	KindTransient:            "Transient",
	KindInvalidOrgUnit:       "InvalidOrgUnit",
	KindDomainMismatch:       "DomainMismatch",
	KindNotificationRequired: "NotificationRequired",
	KindBadRequest:           "BadRequest",
	KindUnverified:           "Unverified",
	KindLoadTimeout:          "LoadTimeout",
	KindCancelled:            "Cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the tagged variant. Only the fields relevant to Kind are set.
type Error struct {
	Kind Kind

	Field    string // Validation
	Reason   string // Validation, generic detail
	Resource string // NotFound, AlreadyExists, Forbidden, BadRequest, NotificationRequired
	Message  string // provider message
	Body     string // Forbidden: raw provider body

	Email    string // DomainMismatch
	Expected string // DomainMismatch: expected domain
	Path     string // InvalidOrgUnit
	Scope    string // ScopeNotGranted

	RetryAfter time.Duration // RateLimited

	Operation    string // Unverified
	LastObserved string // Unverified
	Step         string // Cancelled
	Collection   string // LoadTimeout

	Err error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindValidation:
		msg = fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
	case KindCredentialsMissing:
		msg = "credentials missing"
	case KindCredentialsMalformed:
		msg = "credentials malformed"
	case KindAuthRequired:
		msg = "authorization required"
	case KindConsentRequired:
		msg = "interactive consent required"
	case KindConsentTimeout:
		msg = "timed out waiting for consent"
	case KindDelegationDenied:
		msg = "domain-wide delegation denied"
	case KindScopeNotGranted:
		msg = fmt.Sprintf("scope %q was not granted", e.Scope)
	case KindForbidden:
		msg = fmt.Sprintf("forbidden: %s", e.Resource)
	case KindNotFound:
		msg = fmt.Sprintf("not found: %s", e.Resource)
	case KindAlreadyExists:
		msg = fmt.Sprintf("already exists: %s", e.Resource)
	case KindRateLimited:
		msg = "rate limited"
		if e.RetryAfter > 0 {
			msg = fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
		}
	case KindTransient:
		msg = "transient failure"
	case KindInvalidOrgUnit:
		msg = fmt.Sprintf("invalid organizational unit %q", e.Path)
	case KindDomainMismatch:
		msg = fmt.Sprintf("%s is not in domain %s", e.Email, e.Expected)
	case KindNotificationRequired:
		msg = fmt.Sprintf("sharing %s requires notification", e.Resource)
	case KindBadRequest:
		msg = fmt.Sprintf("bad request: %s", e.Resource)
	case KindUnverified:
		msg = fmt.Sprintf("%s accepted but not observed (last observed: %s)", e.Operation, e.LastObserved)
	case KindLoadTimeout:
		msg = fmt.Sprintf("loading %s exceeded deadline", e.Collection)
	case KindCancelled:
		msg = fmt.Sprintf("cancelled during %s", e.Step)
	default:
		msg = "unknown failure"
	}
	if e.Reason != "" && e.Kind != KindValidation {
		msg += ": " + e.Reason
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind only, so errors.Is(err, &Error{Kind: KindNotFound})
// works as a kind test.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func IsNotFound(err error) bool      { return Is(err, KindNotFound) }
func IsAlreadyExists(err error) bool { return Is(err, KindAlreadyExists) }
func IsForbidden(err error) bool     { return Is(err, KindForbidden) }
func IsCancelled(err error) bool     { return Is(err, KindCancelled) }

// Recoverable reports whether retrying later may succeed without operator action.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindLoadTimeout, KindUnverified:
		return true
	}
	return false
}

func Validation(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Reason: reason}
}

func CredentialsMissing(reason string) *Error {
	return &Error{Kind: KindCredentialsMissing, Reason: reason}
}

func CredentialsMalformed(reason string, cause error) *Error {
	return &Error{Kind: KindCredentialsMalformed, Reason: reason, Err: cause}
}

func AuthRequired(reason string) *Error {
	return &Error{Kind: KindAuthRequired, Reason: reason}
}

func ConsentRequired(reason string) *Error {
	return &Error{Kind: KindConsentRequired, Reason: reason}
}

func ConsentTimeout(after time.Duration) *Error {
	return &Error{Kind: KindConsentTimeout, Reason: fmt.Sprintf("no redirect within %s", after)}
}

func DelegationDenied(subject string, cause error) *Error {
	return &Error{Kind: KindDelegationDenied, Reason: "subject " + subject, Err: cause}
}

func ScopeNotGranted(scope string) *Error {
	return &Error{Kind: KindScopeNotGranted, Scope: scope}
}

func Forbidden(resource, providerMessage, body string) *Error {
	return &Error{Kind: KindForbidden, Resource: resource, Message: providerMessage, Body: body}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Resource: resource}
}

func AlreadyExists(resource string) *Error {
	return &Error{Kind: KindAlreadyExists, Resource: resource}
}

func RateLimited(retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: cause}
}

func Transient(cause error) *Error {
	return &Error{Kind: KindTransient, Err: cause}
}

func InvalidOrgUnit(path string) *Error {
	return &Error{Kind: KindInvalidOrgUnit, Path: path}
}

func DomainMismatch(email, expected string) *Error {
	return &Error{Kind: KindDomainMismatch, Email: email, Expected: expected}
}

func NotificationRequired(resource, providerMessage string) *Error {
	return &Error{Kind: KindNotificationRequired, Resource: resource, Message: providerMessage}
}

func BadRequest(resource, providerMessage string) *Error {
	return &Error{Kind: KindBadRequest, Resource: resource, Message: providerMessage}
}

func Unverified(operation, lastObserved string) *Error {
	return &Error{Kind: KindUnverified, Operation: operation, LastObserved: lastObserved}
}

func LoadTimeout(collection string) *Error {
	return &Error{Kind: KindLoadTimeout, Collection: collection}
}

func Cancelled(step string, cause error) *Error {
	return &Error{Kind: KindCancelled, Step: step, Err: cause}
}
