package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/pipeline"
	"keepersecurity.com/gws-admin/transport"
)

func newPermissionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"share"},
		Short:   "Manage Drive file sharing",
	}

	listCmd := &cobra.Command{
		Use:   "list FILE_ID",
		Short: "List who a file is shared with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			perms, err := transport.Collect(c.Transport.ListPermissions(cmd.Context(), args[0]))
			if err != nil {
				return err
			}
			return a.emit(cmd, perms, func(w io.Writer) {
				fmt.Fprintln(w, "SUBJECT\tKIND\tROLE\tID")
				for _, p := range perms {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Subject, p.Kind, p.Role, p.Id)
				}
			})
		},
	}

	var req pipeline.GrantRequest
	var kind, role string
	grantCmd := &cobra.Command{
		Use:   "grant FILE_ID SUBJECT",
		Short: "Share a file with a user, group, domain or anyone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			req.FileId, req.Subject = args[0], args[1]
			if req.Kind, err = directory.ParseAuthKind(kind); err != nil {
				return
			}
			if req.Role, err = directory.ParseRole(role); err != nil {
				return
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.GrantPermission(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	grantCmd.Flags().StringVar(&kind, "kind", string(directory.KindUser), "Subject kind (user, group, domain, anyone)")
	grantCmd.Flags().StringVar(&role, "role", string(directory.RoleReader), "Role (reader, commenter, writer)")
	grantCmd.Flags().BoolVar(&req.Notify, "notify", false, "Email the recipient")
	grantCmd.Flags().StringVar(&req.Message, "message", "", "Message included in the notification")

	changeCmd := &cobra.Command{
		Use:   "change FILE_ID SUBJECT ROLE",
		Short: "Change the role of an existing share",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := directory.ParseRole(args[2])
			if err != nil {
				return err
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.ChangePermissionRole(cmd.Context(), args[0], args[1], role)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke FILE_ID SUBJECT",
		Short: "Stop sharing a file with a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.RevokePermission(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}

	cmd.AddCommand(listCmd, grantCmd, changeCmd, revokeCmd)
	return cmd
}

func newNoticeCmd(a *app) *cobra.Command {
	var msg directory.Message
	var bodyFile string
	cmd := &cobra.Command{
		Use:   "notice",
		Short: "Send a plain-text notice from the administrator mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bodyFile != "" {
				var data []byte
				var err error
				if bodyFile == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(bodyFile)
				}
				if err != nil {
					return fmt.Errorf("reading message body: %w", err)
				}
				msg.Body = string(data)
			}
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			res, err := c.Pipeline.SendNotice(cmd.Context(), &msg)
			if err != nil {
				return err
			}
			return a.printResult(cmd, res)
		},
	}
	cmd.Flags().StringSliceVar(&msg.To, "to", nil, "Recipient addresses")
	cmd.Flags().StringVar(&msg.Subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&msg.Body, "body", "", "Message text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the message text from a file, - for stdin")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
