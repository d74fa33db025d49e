package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/pipeline"
)

func newGroupsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage groups and their members",
	}
	cmd.AddCommand(newGroupsListCmd(a))
	cmd.AddCommand(newGroupsCreateCmd(a))
	cmd.AddCommand(newGroupsDeleteCmd(a))
	cmd.AddCommand(newMembersCmd(a))
	return cmd
}

func newGroupsListCmd(a *app) *cobra.Command {
	var stale bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Cache.Groups(cmd.Context(), readMode(stale))
			if err != nil {
				return err
			}
			return a.emit(cmd, snap.Items, func(w io.Writer) {
				fmt.Fprintln(w, "EMAIL\tNAME\tMEMBERS\tDESCRIPTION")
				for _, g := range snap.Items {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.Email, g.Name, g.MembersCount, g.Description)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&stale, "stale", false, "Accept the previous snapshot while a refresh runs")
	return cmd
}

func newGroupsCreateCmd(a *app) *cobra.Command {
	var req pipeline.GroupRequest
	cmd := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Email = args[0]
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.CreateGroup(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "Group name")
	cmd.Flags().StringVar(&req.Description, "description", "", "Group description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newGroupsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete EMAIL",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.DeleteGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
}

func newMembersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage group membership",
	}

	var stale bool
	listCmd := &cobra.Command{
		Use:   "list GROUP",
		Short: "List the members of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Cache.Members(cmd.Context(), args[0], readMode(stale))
			if err != nil {
				return err
			}
			return a.emit(cmd, snap.Items, func(w io.Writer) {
				fmt.Fprintln(w, "EMAIL\tROLE\tTYPE\tSTATUS")
				for _, m := range snap.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Email, m.Role, m.Type, m.Status)
				}
			})
		},
	}
	listCmd.Flags().BoolVar(&stale, "stale", false, "Accept the previous snapshot while a refresh runs")

	var role string
	addCmd := &cobra.Command{
		Use:   "add GROUP MEMBER",
		Short: "Add a member to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.AddMember(cmd.Context(), args[0], args[1], directory.MemberRole(strings.ToUpper(role)), callOptions(cmd)...)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	addCmd.Flags().StringVar(&role, "role", string(directory.MemberMember), "Member role (OWNER, MANAGER, MEMBER)")
	addVerifyFlag(addCmd)

	removeCmd := &cobra.Command{
		Use:   "remove GROUP MEMBER",
		Short: "Remove a member from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.RemoveMember(cmd.Context(), args[0], args[1], callOptions(cmd)...)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	addVerifyFlag(removeCmd)

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

func newOrgUnitsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orgunits",
		Aliases: []string{"ou"},
		Short:   "Manage organizational units",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List organizational units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Cache.OrgUnits(cmd.Context(), readMode(false))
			if err != nil {
				return err
			}
			return a.emit(cmd, snap.Items, func(w io.Writer) {
				fmt.Fprintln(w, "PATH\tNAME\tDESCRIPTION")
				for _, ou := range snap.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\n", ou.Path, ou.Name, ou.Description)
				}
			})
		},
	}

	var parent, description string
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organizational unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.CreateOrgUnit(cmd.Context(), parent, args[0], description)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	createCmd.Flags().StringVar(&parent, "parent", directory.RootPath, "Parent organizational unit path")
	createCmd.Flags().StringVar(&description, "description", "", "Description")

	cmd.AddCommand(listCmd, createCmd)
	return cmd
}
