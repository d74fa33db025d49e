package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRingKeepsMostRecent(t *testing.T) {
	var m = New(3, nil)
	for i := 0; i < 5; i++ {
		m.Record("op", t0, t0.Add(time.Duration(i)*time.Second), true, "k")
	}
	var recent = m.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, 2*time.Second, recent[0].Duration())
	assert.Equal(t, 4*time.Second, recent[2].Duration())
	assert.EqualValues(t, 5, m.Count("op"))
}

func TestAggregates(t *testing.T) {
	var m = New(0, nil)
	m.Record("create_user", t0, t0.Add(2*time.Second), true)
	m.Record("create_user", t0, t0.Add(4*time.Second), false)
	m.Record("add_member", t0, t0.Add(time.Second), true)

	var s = m.Stats()
	require.Len(t, s.Operations, 2)
	assert.Equal(t, "add_member", s.Operations[0].Operation)
	var cu = s.Operations[1]
	assert.EqualValues(t, 2, cu.Count)
	assert.EqualValues(t, 1, cu.Failures)
	assert.Equal(t, 2*time.Second, cu.Min)
	assert.Equal(t, 4*time.Second, cu.Max)
	assert.Equal(t, 3*time.Second, cu.Mean())
	assert.Len(t, s.Recent, 3)
}

func TestPrometheusCollectors(t *testing.T) {
	var reg = prometheus.NewRegistry()
	var m = New(8, reg)
	m.Record("verify:add_member", t0, t0.Add(time.Second), false)
	m.Record("verify:add_member", t0, t0.Add(time.Second), true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("verify:add_member", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("verify:add_member", "ok")))
	n, err := testutil.GatherAndCount(reg, "gws_admin_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
