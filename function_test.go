package gws_admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/config"
	"keepersecurity.com/gws-admin/console"
	"keepersecurity.com/gws-admin/transport"
)

// useDemoConsole makes every invocation open a console over one shared demo
// directory, so effects of one call are visible to the next.
func useDemoConsole(t *testing.T) *transport.Memory {
	var clk = clock.NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	var cfg = config.Default()
	cfg.DemoMode = true
	cfg.AuditBackend = config.AuditMemory

	c, err := console.Open(context.Background(), cfg, console.Options{Clock: clk})
	require.NoError(t, err)
	var mem = c.Transport.(*transport.Memory)
	require.NoError(t, c.Close())

	var previous = openConsole
	openConsole = func(ctx context.Context) (*console.Console, error) {
		return console.Open(ctx, cfg, console.Options{Clock: clk, Transport: mem})
	}
	t.Cleanup(func() { openConsole = previous })
	return mem
}

func pubSubEvent(t *testing.T, payload string) event.Event {
	var e = event.New()
	e.SetID("1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/directory-tasks")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	var msg messagePublishedData
	msg.Message.Data = []byte(payload)
	require.NoError(t, e.SetData(event.ApplicationJSON, msg))
	return e
}

func TestDecodeTasks(t *testing.T) {
	tasks, err := decodeTasks([]byte(` {"op":"suspend_user","user":"a@example.com"}`))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, console.TaskSuspendUser, tasks[0].Op)

	tasks, err = decodeTasks([]byte(`[{"op":"add_member","group":"g@example.com","member":"a@example.com","verify":false},{"op":"move_user","user":"a@example.com","org_unit":"/HR"}]`))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NotNil(t, tasks[0].Verify)
	assert.False(t, *tasks[0].Verify)
	assert.Equal(t, "/HR", tasks[1].OrgUnit)

	_, err = decodeTasks([]byte("  "))
	assert.Error(t, err)
	_, err = decodeTasks([]byte("{oops"))
	assert.ErrorContains(t, err, "task message")
}

func TestDirectoryTaskPubSub(t *testing.T) {
	var mem = useDemoConsole(t)
	var ctx = context.Background()

	var e = pubSubEvent(t, `[
		{"op":"suspend_user","user":"gina.growth@demo.example.com"},
		{"op":"add_member","group":"sales@demo.example.com","member":"erin.hr@demo.example.com"}
	]`)
	require.NoError(t, directoryTaskPubSub(ctx, e))

	u, err := mem.GetUser(ctx, "gina.growth@demo.example.com")
	require.NoError(t, err)
	assert.True(t, u.Suspended)
	members, err := transport.Collect(mem.ListGroupMembers(ctx, "sales@demo.example.com", transport.ListOptions{}))
	require.NoError(t, err)
	assert.Len(t, members, 3)

	// redelivery of the same message changes nothing and succeeds
	require.NoError(t, directoryTaskPubSub(ctx, e))

	e = pubSubEvent(t, `{"op":"move_user","user":"gina.growth@demo.example.com","org_unit":"/Nowhere"}`)
	assert.ErrorContains(t, directoryTaskPubSub(ctx, e), "1 of 1 tasks failed")
}

func TestDirectoryReportHttp(t *testing.T) {
	useDemoConsole(t)

	var rec = httptest.NewRecorder()
	directoryReportHttp(rec, httptest.NewRequest(http.MethodGet, "/?format=json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report directoryReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "demo.example.com", report.Domain)
	assert.True(t, report.Demo)
	assert.Equal(t, 8, report.Users)
	assert.Equal(t, 1, report.Suspended)
	assert.Equal(t, 4, report.Groups)
	assert.Equal(t, orgUnitCount{Path: "/", Users: 1}, report.OrgUnits[0])

	rec = httptest.NewRecorder()
	directoryReportHttp(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "Users: 8 (1 suspended)")
	assert.Contains(t, rec.Body.String(), "\t/Engineering/Platform\t2\n")
}
