package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/errdefs"
)

type probeLog struct {
	mu      sync.Mutex
	entries []string
}

func (pl *probeLog) Record(operation string, _, _ time.Time, _ bool, _ ...string) {
	pl.mu.Lock()
	pl.entries = append(pl.entries, operation)
	pl.mu.Unlock()
}

func newEngine() (*Engine, *clock.Fake, *probeLog) {
	var clk = clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var pl = &probeLog{}
	return New(DefaultOptions(), clk, pl, nil), clk, pl
}

func TestAwaitConvergesOnSecondProbe(t *testing.T) {
	var e, clk, pl = newEngine()
	var n int
	res, err := e.Await(context.Background(), "add_member", "g/u", func(context.Context) (bool, Observation, error) {
		n++
		if n == 2 {
			return true, "present", nil
		}
		return false, "absent", nil
	})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, 2, res.Probes)
	assert.Equal(t, Observation("present"), res.Last)
	assert.Equal(t, 10*time.Second, clk.Slept())
	assert.Equal(t, []string{"verify:add_member", "verify:add_member"}, pl.entries)
}

func TestAwaitGivesUpWithoutFailing(t *testing.T) {
	var e, clk, pl = newEngine()
	res, err := e.Await(context.Background(), "add_member", "g/u", func(context.Context) (bool, Observation, error) {
		return false, "absent", nil
	})
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, 3, res.Probes)
	assert.Equal(t, Observation("absent"), res.Last)
	assert.Equal(t, 15*time.Second, clk.Slept())
	assert.Len(t, pl.entries, 3)
}

func TestAwaitProbeErrorsCountAsNotConverged(t *testing.T) {
	var e, _, _ = newEngine()
	res, err := e.Await(context.Background(), "move_user", "u", func(context.Context) (bool, Observation, error) {
		return false, "", errdefs.Transient(errors.New("reset"))
	})
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, ObservedError, res.Last)
}

func TestAwaitCancelled(t *testing.T) {
	var e, _, _ = newEngine()
	var ctx, cancel = context.WithCancel(context.Background())
	var n int
	_, err := e.Await(ctx, "delete_user", "u", func(context.Context) (bool, Observation, error) {
		n++
		cancel()
		return false, "present", nil
	})
	assert.True(t, errdefs.IsCancelled(err))
	assert.Equal(t, 1, n)
}
