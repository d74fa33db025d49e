package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepersecurity.com/gws-admin/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	var dir = t.TempDir()
	jsonl, err := OpenJSONL(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	sqlStore, err := OpenSQL(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"jsonl":  jsonl,
		"sql":    sqlStore,
		"memory": NewMemoryStore(),
	}
}

func TestStores(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var ctx = context.Background()
			var clk = clock.NewFake(t0)
			var l = NewLog(st, clk, "admin@example.com", nil)

			var first = l.Write(ctx, "create_user", "user:a@example.com", OutcomeOK, map[string]any{"org_unit_path": "/HR"})
			clk.Advance(time.Hour)
			l.Write(ctx, "add_member", "member:g@example.com/a@example.com", OutcomeVerified, nil)
			clk.Advance(time.Hour)
			l.Write(ctx, "add_member", "member:g@example.com/b@example.com", OutcomeUnverified, nil)

			all, err := st.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, first, all[0].ID)
			assert.Equal(t, "/HR", all[0].Details["org_unit_path"])
			assert.Equal(t, t0, all[0].Timestamp)

			adds, err := st.Query(ctx, Filter{Actor: "admin@example.com", Action: "add_member"})
			require.NoError(t, err)
			assert.Len(t, adds, 2)

			limited, err := st.Query(ctx, Filter{Limit: 1, Since: t0.Add(30 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, OutcomeVerified, limited[0].Outcome)

			removed, err := st.Cleanup(ctx, t0.Add(90*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			rest, err := st.Query(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, OutcomeUnverified, rest[0].Outcome)
		})
	}
}

func TestWriteScrubsSecrets(t *testing.T) {
	var st = NewMemoryStore()
	var l = NewLog(st, clock.NewFake(t0), "admin", nil)
	l.Write(context.Background(), "create_user", "user:a@example.com", OutcomeOK, map[string]any{
		"password":           "S3cret!pass",
		"generated_password": true,
		"access_token":       "x",
		"org_unit_path":      "/",
	})
	var recs = st.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{"org_unit_path": "/"}, recs[0].Details)
}

type brokenSink struct{}

func (brokenSink) Append(context.Context, Record) error { return errors.New("disk full") }

func TestSinkFailureIsCounted(t *testing.T) {
	var l = NewLog(brokenSink{}, clock.NewFake(t0), "admin", nil)
	var id = l.Write(context.Background(), "delete_user", "user:a@example.com", OutcomeOK, nil)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, l.Failures())
}

func TestRecordIDsAreOrdered(t *testing.T) {
	var l = NewLog(NewMemoryStore(), clock.NewFake(t0), "admin", nil)
	var a = l.Write(context.Background(), "x", "r", OutcomeOK, nil)
	var b = l.Write(context.Background(), "x", "r", OutcomeOK, nil)
	assert.Less(t, a, b)
}

func TestJSONLFileMode(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, st.Append(context.Background(), Record{ID: "1", Timestamp: t0, Outcome: OutcomeOK}))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}
