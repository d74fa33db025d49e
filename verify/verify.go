// Package verify polls the remote directory after a write until the intended
// end state can be observed.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/errdefs"
)

// Observation is what one probe saw, e.g. "present", "absent" or "/HR".
type Observation string

const ObservedError Observation = "error"

// Probe reads the remote state once. converged reports whether the intended
// end state holds.
type Probe func(ctx context.Context) (converged bool, observed Observation, err error)

// Recorder receives the timing of every probe.
type Recorder interface {
	Record(operation string, started, ended time.Time, success bool, keys ...string)
}

type Options struct {
	Attempts int
	Delay    time.Duration
}

func DefaultOptions() Options {
	return Options{Attempts: 3, Delay: 5 * time.Second}
}

type Result struct {
	Verified bool
	Probes   int
	Last     Observation
}

type Engine struct {
	opts    Options
	clock   clock.Clock
	monitor Recorder
	log     *slog.Logger
}

func New(opts Options, clk clock.Clock, monitor Recorder, logger *slog.Logger) *Engine {
	var def = DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Delay < 0 {
		opts.Delay = def.Delay
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, clock: clk, monitor: monitor, log: logger}
}

func (e *Engine) Options() Options {
	return e.opts
}

// Await sleeps the configured delay before each probe, up to the configured
// number of probes. Running out of probes is not an error: the write was
// accepted, only its propagation was not observed, and the caller gets
// Verified=false with the last observation.
func (e *Engine) Await(ctx context.Context, operation, key string, probe Probe) (res Result, err error) {
	for attempt := 0; attempt < e.opts.Attempts; attempt++ {
		if err = e.clock.Sleep(ctx, e.opts.Delay); err != nil {
			err = errdefs.Cancelled("verify", err)
			return
		}
		var started = e.clock.Now()
		converged, observed, perr := probe(ctx)
		res.Probes++
		if e.monitor != nil {
			e.monitor.Record("verify:"+operation, started, e.clock.Now(), converged, key)
		}
		if perr != nil {
			if errdefs.IsCancelled(perr) || errors.Is(perr, context.Canceled) {
				err = errdefs.Cancelled("verify", perr)
				return
			}
			e.log.Debug("verification probe failed", "operation", operation, "key", key, "attempt", attempt+1, "error", perr)
			observed = ObservedError
			converged = false
		}
		res.Last = observed
		if converged {
			res.Verified = true
			return
		}
	}
	e.log.Info("change not observed yet", "operation", operation, "key", key, "probes", res.Probes, "last", res.Last)
	return
}
