package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/console"
	"keepersecurity.com/gws-admin/monitor"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the directory cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh [COLLECTION...]",
		Short: "Reload collections (users, groups, org_units, members:GROUP); all three main ones by default",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			var started = time.Now()
			if len(args) == 0 {
				err = c.Cache.RefreshAll(cmd.Context())
			}
			for _, kind := range args {
				if err = c.Cache.Refresh(cmd.Context(), cache.Kind(kind)); err != nil {
					break
				}
			}
			if err != nil {
				return err
			}
			users, _ := c.Cache.Users(cmd.Context(), cache.AllowStale)
			groups, _ := c.Cache.Groups(cmd.Context(), cache.AllowStale)
			units, _ := c.Cache.OrgUnits(cmd.Context(), cache.AllowStale)
			var counts = map[string]int{
				string(cache.KindUsers):    len(users.Items),
				string(cache.KindGroups):   len(groups.Items),
				string(cache.KindOrgUnits): len(units.Items),
			}
			return a.emit(cmd, counts, func(w io.Writer) {
				fmt.Fprintf(w, "users:\t%d\n", counts[string(cache.KindUsers)])
				fmt.Fprintf(w, "groups:\t%d\n", counts[string(cache.KindGroups)])
				fmt.Fprintf(w, "org units:\t%d\n", counts[string(cache.KindOrgUnits)])
				fmt.Fprintf(w, "elapsed:\t%s\n", time.Since(started).Round(time.Millisecond))
			})
		},
	})
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var prometheus bool
	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Run queued membership, suspension and move tasks from a YAML or JSON file",
		Long: `Run tasks in order. Each task has an op (add_member, remove_member,
suspend_user, resume_user, move_user) and the fields it needs:

  - op: add_member
    group: sales@example.com
    member: ann@example.com
    role: manager
  - op: move_user
    user: ann@example.com
    org_unit: /Sales`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var tasks []console.Task
			if err = yaml.Unmarshal(data, &tasks); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}

			var results = c.RunTasks(cmd.Context(), tasks)
			var failed int
			type row struct {
				Task    string `json:"task"`
				Outcome string `json:"outcome"`
				Error   string `json:"error,omitempty"`
			}
			var rows = make([]row, 0, len(results))
			for _, r := range results {
				var rw = row{Task: r.Task.String(), Outcome: "failed"}
				if r.Result != nil {
					rw.Outcome = string(r.Result.Outcome)
				}
				if r.Err != nil {
					rw.Error = r.Err.Error()
					failed++
				}
				rows = append(rows, rw)
			}
			var stats = c.Monitor.Stats()
			if err = a.emit(cmd, map[string]any{"tasks": rows, "operations": stats.Operations}, func(w io.Writer) {
				fmt.Fprintln(w, "TASK\tOUTCOME\tERROR")
				for _, rw := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\n", rw.Task, rw.Outcome, rw.Error)
				}
				fmt.Fprintln(w)
				printAggregates(w, stats.Operations)
			}); err != nil {
				return err
			}
			if prometheus {
				families, err := c.Registry.Gather()
				if err != nil {
					return err
				}
				for _, mf := range families {
					if _, err = expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
						return err
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prometheus, "prometheus", false, "Also print the operation metrics in Prometheus text format")
	return cmd
}

func printAggregates(w io.Writer, ops []monitor.Aggregate) {
	fmt.Fprintln(w, "OPERATION\tCOUNT\tFAILURES\tMEAN\tMIN\tMAX")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n", op.Operation, op.Count, op.Failures,
			op.Mean().Round(time.Millisecond), op.Min.Round(time.Millisecond), op.Max.Round(time.Millisecond))
	}
}
