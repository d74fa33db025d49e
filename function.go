package gws_admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/config"
	"keepersecurity.com/gws-admin/console"
	"keepersecurity.com/gws-admin/directory"
)

func init() {
	functions.HTTP("DirectoryReportHttp", directoryReportHttp)
	functions.CloudEvent("DirectoryTaskPubSub", directoryTaskPubSub)
}

// openConsole builds the console from the function's environment, normally
// KSM_CONFIG_BASE64 and KSM_RECORD_UID.
var openConsole = func(ctx context.Context) (*console.Console, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	// only the temp directory is writable in the function sandbox
	if os.Getenv(config.EnvAuditPath) == "" {
		cfg.AuditPath = filepath.Join(os.TempDir(), filepath.Base(cfg.AuditPath))
	}
	return console.Open(ctx, cfg, console.Options{Logger: cfg.Logger(os.Stderr)})
}

type orgUnitCount struct {
	Path  string `json:"path"`
	Users int    `json:"users"`
}

type directoryReport struct {
	Domain      string         `json:"domain"`
	Demo        bool           `json:"demo"`
	GeneratedAt time.Time      `json:"generated_at"`
	Users       int            `json:"users"`
	Suspended   int            `json:"suspended"`
	Groups      int            `json:"groups"`
	OrgUnits    []orgUnitCount `json:"org_units"`
}

func buildReport(ctx context.Context, c *console.Console) (r *directoryReport, err error) {
	if err = c.Cache.RefreshAll(ctx); err != nil {
		return
	}
	users, err := c.Cache.Users(ctx, cache.AllowStale)
	if err != nil {
		return
	}
	groups, err := c.Cache.Groups(ctx, cache.AllowStale)
	if err != nil {
		return
	}
	units, err := c.Cache.OrgUnits(ctx, cache.AllowStale)
	if err != nil {
		return
	}

	r = &directoryReport{
		Domain:      c.Domain,
		Demo:        c.Demo,
		GeneratedAt: c.Clock.Now().UTC(),
		Users:       len(users.Items),
		Groups:      len(groups.Items),
	}
	var perUnit = map[string]int{directory.RootPath: 0}
	for _, ou := range units.Items {
		perUnit[ou.Path] = 0
	}
	for _, u := range users.Items {
		if u.Suspended {
			r.Suspended++
		}
		perUnit[u.OrgUnitPath]++
	}
	for path, n := range perUnit {
		r.OrgUnits = append(r.OrgUnits, orgUnitCount{Path: path, Users: n})
	}
	slices.SortFunc(r.OrgUnits, func(a, b orgUnitCount) int {
		return strings.Compare(a.Path, b.Path)
	})
	return
}

func printReport(w io.Writer, r *directoryReport) {
	_, _ = fmt.Fprintf(w, "Domain: %s\n", r.Domain)
	if r.Demo {
		_, _ = fmt.Fprintf(w, "Demo data\n")
	}
	_, _ = fmt.Fprintf(w, "Users: %d (%d suspended)\n", r.Users, r.Suspended)
	_, _ = fmt.Fprintf(w, "Groups: %d\n", r.Groups)
	_, _ = fmt.Fprintf(w, "Organizational units:\n")
	for _, ou := range r.OrgUnits {
		_, _ = fmt.Fprintf(w, "\t%s\t%d\n", ou.Path, ou.Users)
	}
}

// directoryReportHttp reports directory totals; ?format=json returns JSON.
func directoryReportHttp(w http.ResponseWriter, req *http.Request) {
	var ctx = req.Context()
	c, err := openConsole(ctx)
	if err != nil {
		slog.Error("console not available", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer c.Close()

	report, err := buildReport(ctx, c)
	if err != nil {
		c.Log.Error("directory report failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if req.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	printReport(w, report)
}

// messagePublishedData is the payload of a Pub/Sub CloudEvent.
type messagePublishedData struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// decodeTasks accepts either one task object or an array of them.
func decodeTasks(data []byte) (tasks []console.Task, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty task message")
	}
	if data[0] == '[' {
		err = json.Unmarshal(data, &tasks)
	} else {
		var t console.Task
		if err = json.Unmarshal(data, &t); err == nil {
			tasks = append(tasks, t)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("task message: %w", err)
	}
	return
}

func printTaskResults(w io.Writer, results []console.TaskResult) (failed int) {
	for _, r := range results {
		if r.Err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "Failure:\t%s\t%v\n", r.Task, r.Err)
			continue
		}
		_, _ = fmt.Fprintf(w, "Success:\t%s\t%s\n", r.Task, r.Result.Outcome)
	}
	return
}

// directoryTaskPubSub runs the tasks carried by a Pub/Sub message. Any failed
// task fails the event.
func directoryTaskPubSub(ctx context.Context, e event.Event) (err error) {
	var msg messagePublishedData
	if err = e.DataAs(&msg); err != nil {
		return fmt.Errorf("pub/sub event: %w", err)
	}
	tasks, err := decodeTasks(msg.Message.Data)
	if err != nil {
		return
	}
	c, err := openConsole(ctx)
	if err != nil {
		return
	}
	defer c.Close()

	var results = c.RunTasks(ctx, tasks)
	if failed := printTaskResults(os.Stdout, results); failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
	}
	return nil
}
