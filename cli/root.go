// Package cli is the gwsadmin command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"keepersecurity.com/gws-admin/config"
	"keepersecurity.com/gws-admin/console"
	"keepersecurity.com/gws-admin/errdefs"
)

var (
	version = "dev"
	commit  = "none"
)

// app carries what the persistent flags resolve to. The console is opened on
// first use so that commands like "config show" never touch credentials.
type app struct {
	configPath string
	demo       bool
	logLevel   string
	output     string

	cfg     *config.Config
	log     *slog.Logger
	console *console.Console
	// options is passed to console.Open; tests replace the clock here.
	options console.Options
}

// Execute runs the CLI.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var a = new(app)
	rootCmd := newRootCmd(a)
	err := rootCmd.ExecuteContext(ctx)
	a.close()
	if err != nil {
		if a.output == "json" {
			_ = printJSON(os.Stdout, errorObject(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if hint := remediation(err); hint != "" {
				fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
			}
		}
		return 1
	}
	return 0
}

func errorObject(err error) map[string]any {
	var obj = map[string]any{
		"error": err.Error(),
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		obj["kind"] = e.Kind.String()
		obj["recoverable"] = errdefs.Recoverable(err)
		if hint := remediation(err); hint != "" {
			obj["hint"] = hint
		}
	}
	return obj
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gwsadmin",
		Short:         "Google Workspace administration console",
		Long:          "Manage Workspace users, groups, organizational units, Drive sharing and notices.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutputFormat(a.output); err != nil {
				return err
			}
			// .env is optional; variables already set win.
			_ = godotenv.Load()

			// Flags take precedence over the environment and the file.
			if cmd.Flags().Changed("demo") {
				if err := os.Setenv(config.EnvDemoMode, strconv.FormatBool(a.demo)); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("log-level") {
				if err := os.Setenv(config.EnvLogLevel, a.logLevel); err != nil {
					return err
				}
			}

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.Logger(cmd.ErrOrStderr())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Configuration file (default "+config.DefaultFile()+")")
	rootCmd.PersistentFlags().BoolVar(&a.demo, "demo", false, "Use the built-in demo directory instead of Google Workspace")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(newUsersCmd(a))
	rootCmd.AddCommand(newGroupsCmd(a))
	rootCmd.AddCommand(newOrgUnitsCmd(a))
	rootCmd.AddCommand(newPermissionsCmd(a))
	rootCmd.AddCommand(newNoticeCmd(a))
	rootCmd.AddCommand(newCacheCmd(a))
	rootCmd.AddCommand(newBatchCmd(a))
	rootCmd.AddCommand(newAuditCmd(a))
	rootCmd.AddCommand(newStatsCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))

	return rootCmd
}

// open builds the console the first time a command needs it.
func (a *app) open(cmd *cobra.Command) (*console.Console, error) {
	if a.console != nil {
		return a.console, nil
	}
	var opts = a.options
	if opts.Logger == nil {
		opts.Logger = a.log
	}
	if opts.Interaction == nil {
		opts.Interaction = &terminal{out: cmd.ErrOrStderr()}
	}
	c, err := console.Open(cmd.Context(), a.cfg, opts)
	if err != nil {
		return nil, err
	}
	if c.Demo {
		fmt.Fprintf(cmd.ErrOrStderr(), "demo mode: showing fixture data for %s\n", c.Domain)
	}
	a.console = c
	return c, nil
}

func (a *app) close() {
	if a.console != nil {
		if err := a.console.Close(); err != nil && a.log != nil {
			a.log.Warn("closing console", "error", err)
		}
		a.console = nil
	}
}
