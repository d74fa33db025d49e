// Package pipeline runs every directory write as one unit: validate,
// preflight, execute, verify, invalidate, audit and monitor.
package pipeline

import (
	"context"
	"log/slog"

	"keepersecurity.com/gws-admin/audit"
	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/monitor"
	"keepersecurity.com/gws-admin/transport"
	"keepersecurity.com/gws-admin/verify"
)

// Action names, as they appear in audit records and monitor timings.
const (
	ActionCreateUser           = "create_user"
	ActionUpdateUser           = "update_user"
	ActionSuspendUser          = "suspend_user"
	ActionDeleteUser           = "delete_user"
	ActionMoveUser             = "move_user"
	ActionCreateGroup          = "create_group"
	ActionDeleteGroup          = "delete_group"
	ActionAddMember            = "add_member"
	ActionRemoveMember         = "remove_member"
	ActionCreateOrgUnit        = "create_org_unit"
	ActionGrantPermission      = "grant_permission"
	ActionChangePermissionRole = "change_permission_role"
	ActionRevokePermission     = "revoke_permission"
	ActionSendNotice           = "send_notice"
)

// Steps reached by an operation; a cancelled operation reports the last one.
const (
	StepLock       = "lock"
	StepValidate   = "validate"
	StepPreflight  = "preflight"
	StepExecute    = "execute"
	StepVerify     = "verify"
	StepInvalidate = "invalidate"
)

const DefaultNotice = "An item has been shared with you."

type Options struct {
	// Domain is the workspace domain every primary email must belong to.
	Domain string
	// Notice is the message sent when a share has to fall back to notifying
	// the recipient.
	Notice string
	Logger *slog.Logger
}

type Deps struct {
	Transport transport.Transport
	Cache     *cache.Cache
	Verifier  *verify.Engine
	Audit     *audit.Log
	Monitor   *monitor.Monitor
	Clock     clock.Clock
}

type Result struct {
	Outcome audit.Outcome
	Entity  any
	Err     error
	// Warning carries an Unverified error when the write was accepted but not
	// yet observed.
	Warning error
	Timing  monitor.Timing
	AuditID string
	// Password is set only when the pipeline generated one.
	Password string
	Details  map[string]any
}

type Pipeline struct {
	transport transport.Transport
	cache     *cache.Cache
	verifier  *verify.Engine
	audit     *audit.Log
	monitor   *monitor.Monitor
	clock     clock.Clock
	opts      Options
	log       *slog.Logger
	locks     *keyLocks
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.Notice == "" {
		opts.Notice = DefaultNotice
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Verifier == nil {
		deps.Verifier = verify.New(verify.DefaultOptions(), deps.Clock, deps.Monitor, opts.Logger)
	}
	return &Pipeline{
		transport: deps.Transport,
		cache:     deps.Cache,
		verifier:  deps.Verifier,
		audit:     deps.Audit,
		monitor:   deps.Monitor,
		clock:     deps.Clock,
		opts:      opts,
		log:       opts.Logger,
		locks:     newKeyLocks(),
	}
}

// CallOption adjusts a single operation.
type CallOption func(*callOptions)

type callOptions struct {
	verify *bool
}

// WithVerify turns post-write verification on or off for one call.
func WithVerify(v bool) CallOption {
	return func(co *callOptions) {
		co.verify = &v
	}
}

func verifyEnabled(def bool, opts []CallOption) bool {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	if co.verify != nil {
		return *co.verify
	}
	return def
}

// run carries the state of one operation through its steps.
type run struct {
	p          *Pipeline
	action     string
	resource   string
	step       string
	executed   bool
	outcome    audit.Outcome
	entity     any
	warning    error
	password   string
	details    map[string]any
	invalidate []cache.Kind
}

func (r *run) at(step string) {
	r.step = step
}

func (r *run) detail(key string, value any) {
	r.details[key] = value
}

// await runs the verification step and records its outcome.
func (r *run) await(ctx context.Context, key string, probe verify.Probe) error {
	r.at(StepVerify)
	res, err := r.p.verifier.Await(ctx, r.action, key, probe)
	if err != nil {
		return err
	}
	r.detail("verification_probes", res.Probes)
	if res.Verified {
		r.outcome = audit.OutcomeVerified
	} else {
		r.outcome = audit.OutcomeUnverified
		r.warning = errdefs.Unverified(r.action, string(res.Last))
	}
	return nil
}

// perform runs body under the lock for lockKey and finishes the operation:
// invalidation, one audit record and one monitor timing.
func (p *Pipeline) perform(ctx context.Context, action, resource, lockKey string, body func(ctx context.Context, r *run) error) (*Result, error) {
	var started = p.clock.Now()
	var r = &run{
		p:        p,
		action:   action,
		resource: resource,
		step:     StepValidate,
		outcome:  audit.OutcomeOK,
		details:  make(map[string]any),
	}

	var err error
	if lockKey != "" {
		r.at(StepLock)
		var unlock func()
		if unlock, err = p.locks.Lock(ctx, lockKey); err != nil {
			err = errdefs.Cancelled(StepLock, err)
		} else {
			defer unlock()
			r.at(StepValidate)
		}
	}
	if err == nil {
		err = body(ctx, r)
	}

	var reached = r.step
	if r.executed && p.cache != nil {
		r.at(StepInvalidate)
		for _, kind := range r.invalidate {
			p.cache.Invalidate(kind)
		}
	}

	var outcome = r.outcome
	if err != nil {
		if errdefs.IsCancelled(err) {
			outcome = audit.OutcomeCancelled
			r.detail("step", reached)
		} else {
			outcome = audit.OutcomeFailed
		}
		r.detail("reason", errdefs.KindOf(err).String())
		r.detail("error", err.Error())
	}

	var res = &Result{
		Outcome:  outcome,
		Entity:   r.entity,
		Err:      err,
		Warning:  r.warning,
		Password: r.password,
		Details:  r.details,
	}
	if p.audit != nil {
		res.AuditID = p.audit.Write(ctx, action, resource, outcome, r.details)
	}
	var ended = p.clock.Now()
	res.Timing = monitor.Timing{
		Operation:    action,
		StartedAt:    started,
		EndedAt:      ended,
		Success:      err == nil,
		ResourceKeys: []string{resource},
	}
	if p.monitor != nil {
		p.monitor.Add(res.Timing)
	}

	var attrs = []any{"action", action, "resource", resource, "outcome", outcome, "elapsed", ended.Sub(started)}
	switch {
	case err != nil:
		p.log.Warn("operation failed", append(attrs, "error", err)...)
	case r.warning != nil:
		p.log.Info("operation not yet observable", attrs...)
	default:
		p.log.Info("operation completed", attrs...)
	}
	return res, err
}

// execute marks the point after which the remote side may have changed.
func (r *run) execute() {
	r.at(StepExecute)
	r.executed = true
}
