package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvances(t *testing.T) {
	var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var c = NewFake(start)

	require.NoError(t, c.Sleep(context.Background(), 5*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 10*time.Second))

	assert.Equal(t, start.Add(15*time.Second), c.Now())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, c.Sleeps())
	assert.Equal(t, 15*time.Second, c.Slept())
}

func TestFakeSleepCancelled(t *testing.T) {
	var c = NewFake(time.Unix(0, 0))
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Sleeps())
}

func TestRealSleepHonoursContext(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var c = NewFake(start)

	var ch = c.After(time.Minute)
	assert.Equal(t, 1, c.Waiters())
	c.Advance(59 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before the deadline")
	default:
	}

	require.NoError(t, c.Sleep(context.Background(), time.Second))
	select {
	case at := <-ch:
		assert.Equal(t, start.Add(time.Minute), at)
	default:
		t.Fatal("did not fire at the deadline")
	}
	assert.Zero(t, c.Waiters())

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration must fire at once")
	}
}
