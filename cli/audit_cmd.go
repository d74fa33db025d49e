package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keepersecurity.com/gws-admin/audit"
	"keepersecurity.com/gws-admin/console"
)

// openAudit opens only the audit store; reading the trail needs no
// credentials.
func (a *app) openAudit() (audit.Store, error) {
	return console.OpenAuditStore(a.cfg.AuditBackend, a.cfg.AuditPath)
}

func (a *app) now() time.Time {
	if a.options.Clock != nil {
		return a.options.Clock.Now()
	}
	return time.Now()
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read and prune the audit trail",
	}

	var f audit.Filter
	var outcome string
	var since time.Duration
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "List audit records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openAudit()
			if err != nil {
				return err
			}
			defer st.Close()

			f.Outcome = audit.Outcome(outcome)
			if since > 0 {
				f.Since = a.now().Add(-since)
			}
			records, err := st.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.emit(cmd, records, func(w io.Writer) {
				fmt.Fprintln(w, "TIME\tACTOR\tACTION\tRESOURCE\tOUTCOME")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Local().Format(time.DateTime), r.Actor, r.Action, r.Resource, r.Outcome)
				}
			})
		},
	}
	queryCmd.Flags().StringVar(&f.Actor, "actor", "", "Only records by this actor")
	queryCmd.Flags().StringVar(&f.Action, "action", "", "Only this action, e.g. add_member")
	queryCmd.Flags().StringVar(&f.Resource, "resource", "", "Only this resource, e.g. user:ann@example.com")
	queryCmd.Flags().StringVar(&outcome, "outcome", "", "Only this outcome (ok, failed, verified, unverified, cancelled)")
	queryCmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this, e.g. 24h")
	queryCmd.Flags().IntVar(&f.Limit, "limit", 0, "Return at most this many records")

	var olderThan time.Duration
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			st, err := a.openAudit()
			if err != nil {
				return err
			}
			defer st.Close()

			var before = a.now().Add(-olderThan)
			removed, err := st.Cleanup(cmd.Context(), before)
			if err != nil {
				return err
			}
			return a.emit(cmd, map[string]any{"removed": removed, "before": before}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d records older than %s\n", removed, before.Local().Format(time.DateTime))
			})
		},
	}
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff, e.g. 2160h for 90 days")
	_ = cleanupCmd.MarkFlagRequired("older-than")

	cmd.AddCommand(queryCmd, cleanupCmd)
	return cmd
}

type actionSummary struct {
	Action   string         `json:"action"`
	Total    int            `json:"total"`
	Outcomes map[string]int `json:"outcomes"`
	Last     time.Time      `json:"last"`
}

func newStatsCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize operations from the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openAudit()
			if err != nil {
				return err
			}
			defer st.Close()

			var f audit.Filter
			if since > 0 {
				f.Since = a.now().Add(-since)
			}
			records, err := st.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			var byAction = make(map[string]*actionSummary)
			for _, r := range records {
				s, ok := byAction[r.Action]
				if !ok {
					s = &actionSummary{Action: r.Action, Outcomes: map[string]int{}}
					byAction[r.Action] = s
				}
				s.Total++
				s.Outcomes[string(r.Outcome)]++
				if r.Timestamp.After(s.Last) {
					s.Last = r.Timestamp
				}
			}
			var summary = make([]*actionSummary, 0, len(byAction))
			for _, k := range slices.Sorted(maps.Keys(byAction)) {
				summary = append(summary, byAction[k])
			}
			return a.emit(cmd, summary, func(w io.Writer) {
				fmt.Fprintln(w, "ACTION\tTOTAL\tOK\tVERIFIED\tUNVERIFIED\tFAILED\tCANCELLED\tLAST")
				for _, s := range summary {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", s.Action, s.Total,
						s.Outcomes[string(audit.OutcomeOK)], s.Outcomes[string(audit.OutcomeVerified)],
						s.Outcomes[string(audit.OutcomeUnverified)], s.Outcomes[string(audit.OutcomeFailed)],
						s.Outcomes[string(audit.OutcomeCancelled)], s.Last.Local().Format(time.DateTime))
				}
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only operations newer than this, e.g. 168h")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg = a.cfg.Redacted()
			if a.output == "json" {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}
