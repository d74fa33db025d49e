package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/pipeline"
)

func newUsersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users",
	}
	cmd.AddCommand(newUsersListCmd(a))
	cmd.AddCommand(newUsersGetCmd(a))
	cmd.AddCommand(newUsersCreateCmd(a))
	cmd.AddCommand(newUsersUpdateCmd(a))
	cmd.AddCommand(newUsersSuspendCmd(a, "suspend", true))
	cmd.AddCommand(newUsersSuspendCmd(a, "resume", false))
	cmd.AddCommand(newUsersDeleteCmd(a))
	cmd.AddCommand(newUsersMoveCmd(a))
	return cmd
}

// addVerifyFlag registers --verify. Each operation has its own default, so
// the flag only counts when given.
func addVerifyFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("verify", false, "Force read-back verification on or off (default depends on the operation)")
}

func callOptions(cmd *cobra.Command) []pipeline.CallOption {
	if !cmd.Flags().Changed("verify") {
		return nil
	}
	v, _ := cmd.Flags().GetBool("verify")
	return []pipeline.CallOption{pipeline.WithVerify(v)}
}

func readMode(stale bool) cache.ReadMode {
	if stale {
		return cache.AllowStale
	}
	return cache.Wait
}

func newUsersListCmd(a *app) *cobra.Command {
	var orgUnit string
	var stale bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Cache.Users(cmd.Context(), readMode(stale))
			if err != nil {
				return err
			}
			var users = make([]*directory.User, 0, len(snap.Items))
			for _, u := range snap.Items {
				if orgUnit == "" || u.OrgUnitPath == orgUnit || strings.HasPrefix(u.OrgUnitPath, strings.TrimSuffix(orgUnit, "/")+"/") {
					users = append(users, u)
				}
			}
			return a.emit(cmd, users, func(w io.Writer) {
				fmt.Fprintln(w, "EMAIL\tNAME\tORG UNIT\tSUSPENDED")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.PrimaryEmail, u.DisplayName(), u.OrgUnitPath, yesNo(u.Suspended))
				}
				if snap.Stale {
					fmt.Fprintln(w, "(stale snapshot)")
				}
			})
		},
	}
	cmd.Flags().StringVar(&orgUnit, "ou", "", "Only users in this organizational unit or below")
	cmd.Flags().BoolVar(&stale, "stale", false, "Accept the previous snapshot while a refresh runs")
	return cmd
}

func newUsersGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get EMAIL",
		Short: "Show one user as the provider sees it now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			u, err := c.Transport.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, u, func(w io.Writer) {
				fmt.Fprintf(w, "id:\t%s\n", u.Id)
				fmt.Fprintf(w, "email:\t%s\n", u.PrimaryEmail)
				fmt.Fprintf(w, "name:\t%s\n", u.DisplayName())
				fmt.Fprintf(w, "org unit:\t%s\n", u.OrgUnitPath)
				fmt.Fprintf(w, "suspended:\t%s\n", yesNo(u.Suspended))
				if u.RecoveryEmail != "" {
					fmt.Fprintf(w, "recovery email:\t%s\n", u.RecoveryEmail)
				}
				if u.CreationTime != nil {
					fmt.Fprintf(w, "created:\t%s\n", u.CreationTime.Format("2006-01-02 15:04"))
				}
			})
		},
	}
}

func newUsersCreateCmd(a *app) *cobra.Command {
	var req pipeline.CreateUserRequest
	cmd := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			req.PrimaryEmail = args[0]
			if req.Password == "" && !req.GeneratePassword {
				if req.Password, err = readPassword(cmd.ErrOrStderr(), "Password: "); err != nil {
					return
				}
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.CreateUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&req.GivenName, "given-name", "", "Given name")
	cmd.Flags().StringVar(&req.FamilyName, "family-name", "", "Family name")
	cmd.Flags().StringVar(&req.OrgUnitPath, "ou", directory.RootPath, "Organizational unit path")
	cmd.Flags().StringVar(&req.RecoveryEmail, "recovery-email", "", "Recovery email address")
	cmd.Flags().StringVar(&req.Password, "password", "", "Initial password (prompted when omitted)")
	cmd.Flags().BoolVar(&req.GeneratePassword, "generate", false, "Generate a random initial password and print it once")
	cmd.Flags().BoolVar(&req.Suspended, "suspended", false, "Create the account suspended")
	cmd.MarkFlagsMutuallyExclusive("password", "generate")
	_ = cmd.MarkFlagRequired("given-name")
	_ = cmd.MarkFlagRequired("family-name")
	return cmd
}

func newUsersUpdateCmd(a *app) *cobra.Command {
	var req pipeline.UpdateUserRequest
	var setPassword bool
	cmd := &cobra.Command{
		Use:   "update EMAIL",
		Short: "Change names, recovery email or password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			req.PrimaryEmail = args[0]
			if setPassword {
				if req.Password, err = readPassword(cmd.ErrOrStderr(), "New password: "); err != nil {
					return
				}
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.UpdateUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&req.GivenName, "given-name", "", "New given name")
	cmd.Flags().StringVar(&req.FamilyName, "family-name", "", "New family name")
	cmd.Flags().StringVar(&req.RecoveryEmail, "recovery-email", "", "New recovery email")
	cmd.Flags().BoolVar(&setPassword, "set-password", false, "Prompt for a new password")
	return cmd
}

func newUsersSuspendCmd(a *app, use string, suspend bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " EMAIL",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.SuspendUser(cmd.Context(), args[0], suspend, callOptions(cmd)...)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	addVerifyFlag(cmd)
	return cmd
}

func newUsersDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete EMAIL",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.DeleteUser(cmd.Context(), args[0], callOptions(cmd)...)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	addVerifyFlag(cmd)
	return cmd
}

func newUsersMoveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move EMAIL PATH",
		Short: "Move a user to another organizational unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.MoveUser(cmd.Context(), args[0], args[1], callOptions(cmd)...)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	addVerifyFlag(cmd)
	return cmd
}
