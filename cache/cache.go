// Package cache keeps in-memory snapshots of the directory collections.
//
// A collection is replaced only by a complete paginated sweep. A failed or
// timed-out sweep leaves the previous snapshot in place. At most one sweep
// per collection is in flight; readers either wait for it or, when they
// allow it, take the previous snapshot.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/transport"
)

type Kind string

const (
	KindUsers    Kind = "users"
	KindGroups   Kind = "groups"
	KindOrgUnits Kind = "org_units"

	membersPrefix = "members:"
)

// KindMembers names the member collection of one group.
func KindMembers(groupEmail string) Kind {
	return Kind(membersPrefix + directory.Key(groupEmail))
}

// Group returns the group email of a member collection kind.
func (k Kind) Group() (string, bool) {
	return strings.CutPrefix(string(k), membersPrefix)
}

type ReadMode int

const (
	// Wait blocks until a fresh snapshot is available.
	Wait ReadMode = iota
	// AllowStale returns the previous snapshot, if any, while a sweep runs.
	AllowStale
)

// Presence is what the cache can say about one key without a remote call.
type Presence int

const (
	Unknown Presence = iota
	Present
)

type Snapshot[T any] struct {
	Items     []T
	FetchedAt time.Time
	// Stale is set when the snapshot is past its TTL or was invalidated.
	Stale bool
	// Demo is set when the data comes from demo fixtures.
	Demo bool
}

type Options struct {
	TTL          time.Duration
	LoadDeadline time.Duration
	// MemberGroups bounds how many groups keep a member collection.
	MemberGroups int
	Demo         bool
	Clock        clock.Clock
	Logger       *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		TTL:          300 * time.Second,
		LoadDeadline: 120 * time.Second,
		MemberGroups: 512,
	}
}

type Cache struct {
	transport transport.Transport
	opts      Options
	clock     clock.Clock
	log       *slog.Logger
	flight    singleflight.Group

	users    *collection[*directory.User]
	groups   *collection[*directory.Group]
	orgUnits *collection[*directory.OrgUnit]

	membersMu sync.Mutex
	members   *lru.Cache[string, *collection[*directory.Member]]
}

func New(t transport.Transport, opts Options) (c *Cache, err error) {
	var def = DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.LoadDeadline <= 0 {
		opts.LoadDeadline = def.LoadDeadline
	}
	if opts.MemberGroups <= 0 {
		opts.MemberGroups = def.MemberGroups
	}
	c = &Cache{
		transport: t,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.members, err = lru.New[string, *collection[*directory.Member]](opts.MemberGroups); err != nil {
		return nil, err
	}
	c.users = newCollection(KindUsers, (*directory.User).Key, func(ctx context.Context) ([]*directory.User, error) {
		return transport.Collect(t.ListUsers(ctx, transport.ListOptions{}))
	})
	c.groups = newCollection(KindGroups, (*directory.Group).Key, func(ctx context.Context) ([]*directory.Group, error) {
		return transport.Collect(t.ListGroups(ctx, transport.ListOptions{}))
	})
	c.orgUnits = newCollection(KindOrgUnits, (*directory.OrgUnit).Key, func(ctx context.Context) ([]*directory.OrgUnit, error) {
		return transport.Collect(t.ListOrgUnits(ctx))
	})
	return
}

func (c *Cache) memberCollection(groupEmail string, create bool) *collection[*directory.Member] {
	var key = directory.Key(groupEmail)
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	if coll, ok := c.members.Get(key); ok {
		return coll
	}
	if !create {
		return nil
	}
	var coll = newCollection(KindMembers(key), (*directory.Member).Key, func(ctx context.Context) ([]*directory.Member, error) {
		return transport.Collect(c.transport.ListGroupMembers(ctx, key, transport.ListOptions{}))
	})
	c.members.Add(key, coll)
	return coll
}

func (c *Cache) Users(ctx context.Context, mode ReadMode) (Snapshot[*directory.User], error) {
	return read(ctx, c, c.users, mode)
}

func (c *Cache) Groups(ctx context.Context, mode ReadMode) (Snapshot[*directory.Group], error) {
	return read(ctx, c, c.groups, mode)
}

func (c *Cache) OrgUnits(ctx context.Context, mode ReadMode) (Snapshot[*directory.OrgUnit], error) {
	return read(ctx, c, c.orgUnits, mode)
}

func (c *Cache) Members(ctx context.Context, groupEmail string, mode ReadMode) (Snapshot[*directory.Member], error) {
	return read(ctx, c, c.memberCollection(groupEmail, true), mode)
}

// User looks a user up in the current snapshot, loading it when needed.
func (c *Cache) User(ctx context.Context, email string) (u *directory.User, ok bool, err error) {
	if _, err = c.Users(ctx, Wait); err != nil {
		return
	}
	u, ok = c.users.lookup(directory.Key(email))
	return
}

// OrgUnitExists reports whether path is the root or a unit in the snapshot.
func (c *Cache) OrgUnitExists(ctx context.Context, path string) (bool, error) {
	if path == directory.RootPath {
		return true, nil
	}
	if _, err := c.OrgUnits(ctx, Wait); err != nil {
		return false, err
	}
	_, ok := c.orgUnits.lookup(path)
	return ok, nil
}

// Peek answers from a fresh snapshot only and never loads. A key missing
// from the snapshot is Unknown, not absent: the remote side is the truth.
func (c *Cache) Peek(kind Kind, key string) Presence {
	var found bool
	switch kind {
	case KindUsers:
		found = c.users.peek(c, directory.Key(key))
	case KindGroups:
		found = c.groups.peek(c, directory.Key(key))
	case KindOrgUnits:
		found = c.orgUnits.peek(c, key)
	default:
		if group, ok := kind.Group(); ok {
			if coll := c.memberCollection(group, false); coll != nil {
				found = coll.peek(c, directory.Key(key))
			}
		}
	}
	if found {
		return Present
	}
	return Unknown
}

// Invalidate marks a collection stale. A sweep already in flight for it
// will not be installed.
func (c *Cache) Invalidate(kind Kind) {
	switch kind {
	case KindUsers:
		c.users.invalidate()
	case KindGroups:
		c.groups.invalidate()
	case KindOrgUnits:
		c.orgUnits.invalidate()
	default:
		group, ok := kind.Group()
		if !ok {
			c.log.Warn("invalidate: unknown collection", "kind", kind)
			return
		}
		if coll := c.memberCollection(group, false); coll != nil {
			coll.invalidate()
		}
	}
	c.flight.Forget(string(kind))
	c.log.Debug("collection invalidated", "kind", kind)
}

// Refresh invalidates a collection and reloads it before returning.
func (c *Cache) Refresh(ctx context.Context, kind Kind) (err error) {
	c.Invalidate(kind)
	switch kind {
	case KindUsers:
		_, err = c.Users(ctx, Wait)
	case KindGroups:
		_, err = c.Groups(ctx, Wait)
	case KindOrgUnits:
		_, err = c.OrgUnits(ctx, Wait)
	default:
		group, ok := kind.Group()
		if !ok {
			return errdefs.Validation("kind", "unknown collection "+string(kind))
		}
		_, err = c.Members(ctx, group, Wait)
	}
	return
}

// RefreshAll reloads users, groups and organizational units concurrently.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var eg, ectx = errgroup.WithContext(ctx)
	for _, kind := range []Kind{KindUsers, KindGroups, KindOrgUnits} {
		eg.Go(func() error {
			return c.Refresh(ectx, kind)
		})
	}
	return eg.Wait()
}

func (c *Cache) fresh(fetchedAt time.Time) bool {
	return !c.clock.Now().After(fetchedAt.Add(c.opts.TTL))
}

type collection[T any] struct {
	kind Kind
	key  func(T) string
	load func(ctx context.Context) ([]T, error)

	mu         sync.RWMutex
	items      []T
	index      map[string]T
	fetchedAt  time.Time
	loaded     bool
	valid      bool
	generation uint64
}

func newCollection[T any](kind Kind, key func(T) string, load func(context.Context) ([]T, error)) *collection[T] {
	return &collection[T]{kind: kind, key: key, load: load}
}

func (coll *collection[T]) snapshot(c *Cache) (s Snapshot[T], ok, fresh bool) {
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	if !coll.loaded {
		return
	}
	ok = true
	fresh = coll.valid && c.fresh(coll.fetchedAt)
	s = Snapshot[T]{
		Items:     slices.Clone(coll.items),
		FetchedAt: coll.fetchedAt,
		Stale:     !fresh,
		Demo:      c.opts.Demo,
	}
	return
}

func (coll *collection[T]) lookup(key string) (v T, ok bool) {
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	v, ok = coll.index[key]
	return
}

func (coll *collection[T]) peek(c *Cache, key string) bool {
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	if !coll.loaded || !coll.valid || !c.fresh(coll.fetchedAt) {
		return false
	}
	_, ok := coll.index[key]
	return ok
}

func (coll *collection[T]) invalidate() {
	coll.mu.Lock()
	coll.valid = false
	coll.generation++
	coll.mu.Unlock()
}

func (coll *collection[T]) currentGeneration() uint64 {
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	return coll.generation
}

// install replaces the snapshot wholesale unless the collection was
// invalidated after the sweep started.
func (coll *collection[T]) install(items []T, generation uint64, now time.Time) bool {
	var index = make(map[string]T, len(items))
	for _, it := range items {
		index[coll.key(it)] = it
	}
	coll.mu.Lock()
	defer coll.mu.Unlock()
	if coll.generation != generation {
		return false
	}
	coll.items = items
	coll.index = index
	coll.fetchedAt = now
	coll.loaded = true
	coll.valid = true
	return true
}

func read[T any](ctx context.Context, c *Cache, coll *collection[T], mode ReadMode) (Snapshot[T], error) {
	if s, ok, fresh := coll.snapshot(c); ok && fresh {
		return s, nil
	} else if ok && mode == AllowStale {
		// refresh in the background; the caller takes what there is
		c.flight.DoChan(string(coll.kind), func() (any, error) {
			return sweep(c, coll)
		})
		return s, nil
	}
	var ch = c.flight.DoChan(string(coll.kind), func() (any, error) {
		return sweep(c, coll)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Snapshot[T]{}, res.Err
		}
		return res.Val.(Snapshot[T]), nil
	case <-ctx.Done():
		return Snapshot[T]{}, errdefs.Cancelled("load "+string(coll.kind), ctx.Err())
	}
}

type sweepResult[T any] struct {
	items []T
	err   error
}

// sweep runs one full load of the collection under the load deadline. It
// is detached from any single reader because other readers share it.
func sweep[T any](c *Cache, coll *collection[T]) (any, error) {
	var generation = coll.currentGeneration()
	var started = c.clock.Now()
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var deadline = c.clock.After(c.opts.LoadDeadline)

	var done = make(chan sweepResult[T], 1)
	go func() {
		items, err := coll.load(ctx)
		done <- sweepResult[T]{items: items, err: err}
	}()

	var res sweepResult[T]
	select {
	case res = <-done:
	case <-deadline:
		cancel()
		c.log.Warn("collection load timed out, keeping previous snapshot", "kind", coll.kind, "deadline", c.opts.LoadDeadline)
		return nil, errdefs.LoadTimeout(string(coll.kind))
	}
	if res.err != nil {
		c.log.Warn("collection load failed, keeping previous snapshot", "kind", coll.kind, "error", res.err)
		return nil, res.err
	}
	var now = c.clock.Now()
	if !coll.install(res.items, generation, now) {
		c.log.Debug("collection invalidated during load, result not installed", "kind", coll.kind)
	} else {
		c.log.Info("collection loaded", "kind", coll.kind, "count", len(res.items), "elapsed", now.Sub(started))
	}
	return Snapshot[T]{Items: slices.Clone(res.items), FetchedAt: now, Demo: c.opts.Demo}, nil
}
