package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/errdefs"
)

// Policy bounds retries of transient failures.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	// Backoff is the first delay; each further delay doubles it.
	Backoff time.Duration
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Retries:        3,
		Backoff:        time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

type Retrier struct {
	policy Policy
	clock  clock.Clock
	log    *slog.Logger
}

func NewRetrier(policy Policy, clk clock.Clock, logger *slog.Logger) *Retrier {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.RequestTimeout <= 0 {
		policy.RequestTimeout = DefaultPolicy().RequestTimeout
	}
	return &Retrier{policy: policy, clock: clk, log: logger}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the retry
// budget is spent. An attempt already in flight is not interrupted by ctx;
// cancellation stops further attempts.
func (r *Retrier) Do(ctx context.Context, op, resource string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errdefs.Cancelled(op, err)
		}
		var actx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.policy.RequestTimeout)
		var err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		transient, wait := isTransient(err)
		if !transient {
			return Classify(err, resource)
		}
		if attempt >= r.policy.Retries {
			r.log.Warn("retry budget exhausted", "op", op, "resource", resource, "attempts", attempt+1, "error", err)
			return exhausted(err, wait)
		}
		var delay = r.policy.Backoff << attempt
		if wait > delay {
			delay = wait
		}
		r.log.Debug("transient failure, backing off", "op", op, "resource", resource, "attempt", attempt+1, "delay", delay, "error", err)
		if err = r.clock.Sleep(ctx, delay); err != nil {
			return errdefs.Cancelled(op, err)
		}
	}
}

var rateLimitReasons = []string{"rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded"}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// isTransient reports whether err belongs to the retryable class and any
// server-suggested wait.
func isTransient(err error) (bool, time.Duration) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests:
			return true, retryAfter(gerr.Header)
		case http.StatusInternalServerError, http.StatusServiceUnavailable:
			return true, retryAfter(gerr.Header)
		case http.StatusForbidden:
			return hasReason(gerr, rateLimitReasons...), retryAfter(gerr.Header)
		}
		return false, 0
	}
	if e, ok := errdefs.As(err); ok {
		return e.Kind == errdefs.KindTransient || e.Kind == errdefs.KindRateLimited, e.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	// attempt deadline, connection reset, DNS failure and other non-HTTP errors
	return true, 0
}

func exhausted(err error, wait time.Duration) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || hasReason(gerr, rateLimitReasons...)) {
		return errdefs.RateLimited(wait, err)
	}
	if e, ok := errdefs.As(err); ok {
		return e
	}
	return errdefs.Transient(err)
}

// Classify maps a provider failure onto the error taxonomy. resource names the
// target, for example "user:anna@example.com".
func Classify(err error, resource string) error {
	if err == nil {
		return nil
	}
	if _, ok := errdefs.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.Cancelled("transport", err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return errdefs.Transient(err)
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return errdefs.NotFound(resource)
	case http.StatusConflict:
		return errdefs.AlreadyExists(resource)
	case http.StatusForbidden:
		if hasReason(gerr, rateLimitReasons...) {
			return errdefs.RateLimited(retryAfter(gerr.Header), err)
		}
		return errdefs.Forbidden(resource, gerr.Message, gerr.Body)
	case http.StatusTooManyRequests:
		return errdefs.RateLimited(retryAfter(gerr.Header), err)
	case http.StatusBadRequest:
		var lower = strings.ToLower(gerr.Message)
		switch {
		case hasReason(gerr, "invalidSharingRequest") || strings.Contains(lower, "notify"):
			return errdefs.NotificationRequired(resource, gerr.Message)
		case strings.Contains(lower, "invalid ou id") || strings.Contains(gerr.Message, "INVALID_OU_ID") ||
			strings.Contains(lower, "invalid parent orgunitpath"):
			return &errdefs.Error{Kind: errdefs.KindInvalidOrgUnit, Resource: resource, Message: gerr.Message}
		}
		return errdefs.BadRequest(resource, gerr.Message)
	}
	if gerr.Code >= 500 {
		return errdefs.Transient(err)
	}
	return errdefs.BadRequest(resource, fmt.Sprintf("status %d: %s", gerr.Code, gerr.Message))
}
