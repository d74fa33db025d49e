// Package transport is the typed boundary to the remote directory, Drive and
// Gmail endpoints. It owns pagination, retry of transient failures and the
// mapping of provider status codes onto errdefs kinds. It does not cache.
package transport

import (
	"context"
	"iter"

	"keepersecurity.com/gws-admin/directory"
)

// Operation names. They key scope requirements, call counters and log lines.
const (
	OpListUsers         = "list_users"
	OpGetUser           = "get_user"
	OpInsertUser        = "insert_user"
	OpUpdateUser        = "update_user"
	OpDeleteUser        = "delete_user"
	OpListGroups        = "list_groups"
	OpGetGroup          = "get_group"
	OpInsertGroup       = "insert_group"
	OpDeleteGroup       = "delete_group"
	OpListGroupMembers  = "list_group_members"
	OpInsertGroupMember = "insert_group_member"
	OpDeleteGroupMember = "delete_group_member"
	OpListOrgUnits      = "list_org_units"
	OpInsertOrgUnit     = "insert_org_unit"
	OpGetFile           = "get_file"
	OpListPermissions   = "list_permissions"
	OpInsertPermission  = "insert_permission"
	OpUpdatePermission  = "update_permission"
	OpDeletePermission  = "delete_permission"
	OpSendMessage       = "send_message"
)

// Page sizes requested from the provider.
const (
	UserPageSize       = 500
	GroupPageSize      = 200
	MemberPageSize     = 200
	PermissionPageSize = 100
)

// ListOptions caps a listing. Zero Limit produces the full set.
type ListOptions struct {
	Limit int
}

// Notification controls the e-mail Drive sends when a permission is created.
type Notification struct {
	Send    bool
	Message string
}

type Transport interface {
	ListUsers(ctx context.Context, opts ListOptions) iter.Seq2[*directory.User, error]
	GetUser(ctx context.Context, userKey string) (*directory.User, error)
	InsertUser(ctx context.Context, user *directory.User) (*directory.User, error)
	UpdateUser(ctx context.Context, userKey string, user *directory.User) (*directory.User, error)
	DeleteUser(ctx context.Context, userKey string) error

	ListGroups(ctx context.Context, opts ListOptions) iter.Seq2[*directory.Group, error]
	GetGroup(ctx context.Context, groupKey string) (*directory.Group, error)
	InsertGroup(ctx context.Context, group *directory.Group) (*directory.Group, error)
	DeleteGroup(ctx context.Context, groupKey string) error

	ListGroupMembers(ctx context.Context, groupKey string, opts ListOptions) iter.Seq2[*directory.Member, error]
	InsertGroupMember(ctx context.Context, groupKey string, member *directory.Member) (*directory.Member, error)
	DeleteGroupMember(ctx context.Context, groupKey, memberKey string) error

	ListOrgUnits(ctx context.Context) iter.Seq2[*directory.OrgUnit, error]
	InsertOrgUnit(ctx context.Context, ou *directory.OrgUnit) (*directory.OrgUnit, error)

	GetFile(ctx context.Context, fileId string) (*directory.File, error)
	ListPermissions(ctx context.Context, fileId string) iter.Seq2[*directory.Permission, error]
	InsertPermission(ctx context.Context, fileId string, perm *directory.Permission, n Notification) (*directory.Permission, error)
	UpdatePermission(ctx context.Context, fileId, permissionId string, role directory.Role) (*directory.Permission, error)
	DeletePermission(ctx context.Context, fileId, permissionId string) error

	// SendMessage sends from the authorized mailbox and returns the message id.
	SendMessage(ctx context.Context, msg *directory.Message) (string, error)
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) (items []T, err error) {
	for item, e := range seq {
		if e != nil {
			err = e
			return
		}
		items = append(items, item)
	}
	return
}
