package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/transport"
)

type fixture struct {
	clock  *clock.Fake
	remote *transport.Memory
	cache  *Cache
}

func newFixture(t *testing.T, opts Options) *fixture {
	var clk = clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var remote = transport.NewMemory(transport.MemoryOptions{
		Domain:  "example.com",
		Clock:   clk,
		Retrier: transport.NewRetrier(transport.DefaultPolicy(), clk, nil),
	})
	opts.Clock = clk
	c, err := New(remote, opts)
	require.NoError(t, err)
	return &fixture{clock: clk, remote: remote, cache: c}
}

func emails(users []*directory.User) (out []string) {
	for _, u := range users {
		out = append(out, u.PrimaryEmail)
	}
	return
}

func TestCacheHitThenForcedRefresh(t *testing.T) {
	var f = newFixture(t, Options{TTL: 300 * time.Second})
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "a@example.com"})

	s, err := f.cache.Users(ctx, Wait)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, emails(s.Items))
	assert.Equal(t, 1, f.remote.Calls(transport.OpListUsers))

	f.remote.AddUser(&directory.User{PrimaryEmail: "b@example.com"})
	f.clock.Advance(60 * time.Second)
	s, err = f.cache.Users(ctx, Wait)
	require.NoError(t, err)
	assert.Len(t, s.Items, 1)
	assert.False(t, s.Stale)
	assert.Equal(t, 1, f.remote.Calls(transport.OpListUsers))

	require.NoError(t, f.cache.Refresh(ctx, KindUsers))
	assert.Equal(t, 2, f.remote.Calls(transport.OpListUsers))
	s, err = f.cache.Users(ctx, Wait)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emails(s.Items))
	assert.Equal(t, 2, f.remote.Calls(transport.OpListUsers))
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	var f = newFixture(t, Options{TTL: 300 * time.Second})
	var ctx = context.Background()
	f.remote.AddOrgUnit(&directory.OrgUnit{Name: "HR", Path: "/HR"})

	_, err := f.cache.OrgUnits(ctx, Wait)
	require.NoError(t, err)
	f.clock.Advance(300 * time.Second)
	_, err = f.cache.OrgUnits(ctx, Wait)
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.Calls(transport.OpListOrgUnits))

	f.clock.Advance(time.Second)
	_, err = f.cache.OrgUnits(ctx, Wait)
	require.NoError(t, err)
	assert.Equal(t, 2, f.remote.Calls(transport.OpListOrgUnits))
}

func TestLoadTimeoutKeepsPreviousSnapshot(t *testing.T) {
	var f = newFixture(t, Options{LoadDeadline: 90 * time.Second})
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "a@example.com"})
	_, err := f.cache.Users(ctx, Wait)
	require.NoError(t, err)

	var release = make(chan struct{})
	defer close(release)
	f.remote.SetFault(func(context.Context, string, string) error {
		<-release
		return nil
	})
	f.remote.AddUser(&directory.User{PrimaryEmail: "b@example.com"})
	var pending = f.clock.Waiters()

	var done = make(chan error, 1)
	go func() {
		done <- f.cache.Refresh(ctx, KindUsers)
	}()
	require.Eventually(t, func() bool { return f.clock.Waiters() == pending+1 }, time.Second, time.Millisecond)
	f.clock.Advance(89 * time.Second)
	select {
	case err = <-done:
		t.Fatalf("load ended before the deadline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	f.clock.Advance(time.Second)
	err = <-done
	assert.Equal(t, errdefs.KindLoadTimeout, errdefs.KindOf(err))

	f.remote.SetFault(nil)
	s, err := f.cache.Users(ctx, AllowStale)
	require.NoError(t, err)
	assert.True(t, s.Stale)
	assert.Equal(t, []string{"a@example.com"}, emails(s.Items))
}

func TestPartialSweepDoesNotReplace(t *testing.T) {
	var f = newFixture(t, Options{})
	var ctx = context.Background()
	for i := 0; i < transport.UserPageSize+1; i++ {
		f.remote.AddUser(&directory.User{PrimaryEmail: fmt.Sprintf("u%04d@example.com", i)})
	}
	_, err := f.cache.Users(ctx, Wait)
	require.NoError(t, err)

	var mu sync.Mutex
	var pages int
	f.remote.SetFault(func(_ context.Context, op, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		if pages++; pages == 2 {
			return &googleapi.Error{Code: http.StatusBadRequest, Message: "Invalid page token"}
		}
		return nil
	})
	f.remote.AddUser(&directory.User{PrimaryEmail: "new@example.com"})

	err = f.cache.Refresh(ctx, KindUsers)
	assert.Equal(t, errdefs.KindBadRequest, errdefs.KindOf(err))

	s, err := f.cache.Users(ctx, AllowStale)
	require.NoError(t, err)
	assert.Len(t, s.Items, transport.UserPageSize+1)
	assert.NotContains(t, emails(s.Items), "new@example.com")
}

func TestInvalidatedLoadIsNotInstalled(t *testing.T) {
	var f = newFixture(t, Options{})
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "a@example.com"})

	var entered = make(chan struct{})
	var release = make(chan struct{})
	var once sync.Once
	f.remote.SetFault(func(context.Context, string, string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	var done = make(chan error, 1)
	go func() {
		_, err := f.cache.Users(ctx, Wait)
		done <- err
	}()
	<-entered
	f.cache.Invalidate(KindUsers)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, Unknown, f.cache.Peek(KindUsers, "a@example.com"))
	_, err := f.cache.Users(ctx, Wait)
	require.NoError(t, err)
	assert.Equal(t, Present, f.cache.Peek(KindUsers, "A@example.com"))
	assert.Equal(t, 2, f.remote.Calls(transport.OpListUsers))
}

func TestPeekNeverAnswersAbsent(t *testing.T) {
	var f = newFixture(t, Options{})
	f.remote.AddGroup(&directory.Group{Email: "team@example.com"})
	assert.Equal(t, Unknown, f.cache.Peek(KindGroups, "team@example.com"))
	_, err := f.cache.Groups(context.Background(), Wait)
	require.NoError(t, err)
	assert.Equal(t, Present, f.cache.Peek(KindGroups, "team@example.com"))
	assert.Equal(t, Unknown, f.cache.Peek(KindGroups, "other@example.com"))
}

func TestMemberCollectionsAreBounded(t *testing.T) {
	var f = newFixture(t, Options{MemberGroups: 1})
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: "g1@example.com"})
	f.remote.AddGroup(&directory.Group{Email: "g2@example.com"})
	f.remote.AddMember("g1@example.com", &directory.Member{Email: "a@example.com"})

	s, err := f.cache.Members(ctx, "g1@example.com", Wait)
	require.NoError(t, err)
	assert.Len(t, s.Items, 1)
	_, err = f.cache.Members(ctx, "g2@example.com", Wait)
	require.NoError(t, err)
	_, err = f.cache.Members(ctx, "G1@example.com", Wait)
	require.NoError(t, err)
	assert.Equal(t, 3, f.remote.Calls(transport.OpListGroupMembers))
}

func TestRefreshAll(t *testing.T) {
	var f = newFixture(t, Options{Demo: true})
	require.NoError(t, f.cache.RefreshAll(context.Background()))
	assert.Equal(t, 1, f.remote.Calls(transport.OpListUsers))
	assert.Equal(t, 1, f.remote.Calls(transport.OpListGroups))
	assert.Equal(t, 1, f.remote.Calls(transport.OpListOrgUnits))

	s, err := f.cache.Users(context.Background(), Wait)
	require.NoError(t, err)
	assert.True(t, s.Demo)
}

func TestWaitingReaderCanCancel(t *testing.T) {
	var f = newFixture(t, Options{})
	var release = make(chan struct{})
	defer close(release)
	f.remote.SetFault(func(context.Context, string, string) error {
		<-release
		return nil
	})
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.cache.Groups(ctx, Wait)
	assert.True(t, errdefs.IsCancelled(err))
}
