// Package audit records one entry per directory operation once it reaches a
// terminal state. Records are append-only; Cleanup is the only deletion.
package audit

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"keepersecurity.com/gws-admin/clock"
)

type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeFailed     Outcome = "failed"
	OutcomeVerified   Outcome = "verified"
	OutcomeUnverified Outcome = "unverified"
	OutcomeCancelled  Outcome = "cancelled"
)

type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	Outcome   Outcome        `json:"outcome"`
}

// Sink accepts finished records.
type Sink interface {
	Append(ctx context.Context, r Record) error
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	Actor    string
	Action   string
	Resource string
	Outcome  Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f Filter) Match(r *Record) bool {
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Store is a Sink that can be read back and pruned.
type Store interface {
	Sink
	Query(ctx context.Context, f Filter) ([]Record, error)
	// Cleanup removes records older than before and returns how many.
	Cleanup(ctx context.Context, before time.Time) (int, error)
	io.Closer
}

var sensitiveKeys = []string{"password", "secret", "token"}

func scrub(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	var out = make(map[string]any, len(details))
	for k, v := range details {
		var lower = strings.ToLower(k)
		var drop bool
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				drop = true
				break
			}
		}
		if !drop {
			out[k] = v
		}
	}
	return out
}

// Log stamps and writes records. A failing sink never fails the operation
// being audited: the failure is logged and counted.
type Log struct {
	sink  Sink
	clock clock.Clock
	actor string
	log   *slog.Logger

	mu       sync.Mutex
	entropy  io.Reader
	failures int
}

func NewLog(sink Sink, clk clock.Clock, actor string, logger *slog.Logger) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		sink:    sink,
		clock:   clk,
		actor:   actor,
		log:     logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (l *Log) Actor() string {
	return l.actor
}

// Write appends a record and returns its id.
func (l *Log) Write(ctx context.Context, action, resource string, outcome Outcome, details map[string]any) string {
	var now = l.clock.Now().UTC()
	l.mu.Lock()
	var id = ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
	l.mu.Unlock()
	var r = Record{
		ID:        id,
		Timestamp: now,
		Actor:     l.actor,
		Action:    action,
		Resource:  resource,
		Details:   scrub(details),
		Outcome:   outcome,
	}
	// the operation is over; its record is written even when the caller gave up
	if err := l.sink.Append(context.WithoutCancel(ctx), r); err != nil {
		l.mu.Lock()
		l.failures++
		l.mu.Unlock()
		l.log.Error("audit record not written", "id", id, "action", action, "resource", resource, "error", err)
	}
	return id
}

// Failures returns how many records the sink refused.
func (l *Log) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) Append(_ context.Context, r Record) error {
	ms.mu.Lock()
	ms.records = append(ms.records, r)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Query(_ context.Context, f Filter) (out []Record, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i := range ms.records {
		if f.Match(&ms.records[i]) {
			out = append(out, ms.records[i])
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return
}

func (ms *MemoryStore) Cleanup(_ context.Context, before time.Time) (removed int, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var kept = ms.records[:0]
	for _, r := range ms.records {
		if r.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	ms.records = kept
	return
}

func (ms *MemoryStore) Close() error {
	return nil
}

// Records returns everything appended so far.
func (ms *MemoryStore) Records() []Record {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]Record(nil), ms.records...)
}
