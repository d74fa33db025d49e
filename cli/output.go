package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keepersecurity.com/gws-admin/pipeline"
)

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit writes v as JSON or hands a tab writer to table.
func (a *app) emit(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	if a.output == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

type resultView struct {
	Outcome  string         `json:"outcome"`
	AuditID  string         `json:"audit_id,omitempty"`
	Warning  string         `json:"warning,omitempty"`
	Password string         `json:"password,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (a *app) printResult(cmd *cobra.Command, res *pipeline.Result) error {
	var view = resultView{
		Outcome:  string(res.Outcome),
		AuditID:  res.AuditID,
		Password: res.Password,
		Details:  res.Details,
	}
	if res.Warning != nil {
		view.Warning = res.Warning.Error()
	}
	return a.emit(cmd, view, func(w io.Writer) {
		fmt.Fprintf(w, "outcome:\t%s\n", view.Outcome)
		for _, k := range slices.Sorted(maps.Keys(view.Details)) {
			fmt.Fprintf(w, "%s:\t%v\n", k, formatValue(view.Details[k]))
		}
		if view.Password != "" {
			fmt.Fprintf(w, "password:\t%s\n", view.Password)
		}
		if view.Warning != "" {
			fmt.Fprintf(w, "warning:\t%s\n", view.Warning)
		}
		if view.AuditID != "" {
			fmt.Fprintf(w, "audit:\t%s\n", view.AuditID)
		}
	})
}

func formatValue(v any) string {
	switch x := v.(type) {
	case []string:
		return strings.Join(x, ",")
	case nil:
		return "-"
	}
	return fmt.Sprint(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
