package transport

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"keepersecurity.com/gws-admin/directory"
)

// DefaultCustomer addresses the customer account of the authorized admin.
const DefaultCustomer = "my_customer"

type GoogleOptions struct {
	Customer string
	// Scopes is the consented capability set; operations outside it are refused.
	Scopes            []string
	RequestsPerSecond float64
	Retrier           *Retrier
	Logger            *slog.Logger
	// ClientOptions are appended after the HTTP client option, e.g. an endpoint override.
	ClientOptions []option.ClientOption
}

// Google talks to the Admin SDK Directory, Drive and Gmail APIs through an
// authorized HTTP client.
type Google struct {
	directory *admin.Service
	drive     *drive.Service
	gmail     *gmail.Service
	customer  string
	gate      *ScopeGate
	retrier   *Retrier
	limiter   *rate.Limiter
	log       *slog.Logger
}

// NewGoogle creates a Transport for the Google Workspace endpoints.
// client must already carry authorization, see credentials.Session.Client.
func NewGoogle(ctx context.Context, client *http.Client, opts GoogleOptions) (g *Google, err error) {
	var clientOpts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts.ClientOptions...)
	if opts.Scopes == nil {
		opts.Scopes = DefaultScopes
	}
	g = &Google{
		customer: opts.Customer,
		gate:     NewScopeGate(opts.Scopes),
		retrier:  opts.Retrier,
		log:      opts.Logger,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	if g.customer == "" {
		g.customer = DefaultCustomer
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.retrier == nil {
		g.retrier = NewRetrier(DefaultPolicy(), nil, g.log)
	}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	if g.directory, err = admin.NewService(ctx, clientOpts...); err != nil {
		err = fmt.Errorf("google directory API: %w", err)
		return nil, err
	}
	if g.drive, err = drive.NewService(ctx, clientOpts...); err != nil {
		err = fmt.Errorf("google drive API: %w", err)
		return nil, err
	}
	if g.gmail, err = gmail.NewService(ctx, clientOpts...); err != nil {
		err = fmt.Errorf("google gmail API: %w", err)
		return nil, err
	}
	return
}

var permissionFields = []googleapi.Field{"id", "type", "role", "emailAddress", "domain", "displayName"}

func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// call performs a single request under the scope gate, the pacing limiter
// and the retry policy.
func (g *Google) call(ctx context.Context, op, resource string, fn func(ctx context.Context) error) error {
	if err := g.gate.Allow(op); err != nil {
		return err
	}
	return g.retrier.Do(ctx, op, resource, func(actx context.Context) error {
		if err := g.limiter.Wait(actx); err != nil {
			return err
		}
		return fn(actx)
	})
}

func (g *Google) ListUsers(ctx context.Context, opts ListOptions) iter.Seq2[*directory.User, error] {
	if err := g.gate.Allow(OpListUsers); err != nil {
		return failed[*directory.User](err)
	}
	return Paginate(ctx, g.retrier, OpListUsers, "users", opts.Limit,
		func(actx context.Context, token string) ([]*admin.User, string, error) {
			if err := g.limiter.Wait(actx); err != nil {
				return nil, "", err
			}
			var ul = g.directory.Users.List().Customer(g.customer).
				MaxResults(UserPageSize).OrderBy("email").SortOrder("ASCENDING").Context(actx)
			if token != "" {
				ul = ul.PageToken(token)
			}
			users, err := ul.Do()
			if err != nil {
				return nil, "", err
			}
			return users.Users, users.NextPageToken, nil
		}, directory.UserFromWire)
}

func (g *Google) GetUser(ctx context.Context, userKey string) (u *directory.User, err error) {
	var w *admin.User
	if err = g.call(ctx, OpGetUser, "user:"+userKey, func(actx context.Context) (e error) {
		w, e = g.directory.Users.Get(userKey).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.UserFromWire(w)
}

func (g *Google) InsertUser(ctx context.Context, user *directory.User) (u *directory.User, err error) {
	var w *admin.User
	if err = g.call(ctx, OpInsertUser, "user:"+user.PrimaryEmail, func(actx context.Context) (e error) {
		w, e = g.directory.Users.Insert(user.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.UserFromWire(w)
}

func (g *Google) UpdateUser(ctx context.Context, userKey string, user *directory.User) (u *directory.User, err error) {
	var w *admin.User
	if err = g.call(ctx, OpUpdateUser, "user:"+userKey, func(actx context.Context) (e error) {
		w, e = g.directory.Users.Update(userKey, user.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.UserFromWire(w)
}

func (g *Google) DeleteUser(ctx context.Context, userKey string) error {
	return g.call(ctx, OpDeleteUser, "user:"+userKey, func(actx context.Context) error {
		return g.directory.Users.Delete(userKey).Context(actx).Do()
	})
}

func (g *Google) ListGroups(ctx context.Context, opts ListOptions) iter.Seq2[*directory.Group, error] {
	if err := g.gate.Allow(OpListGroups); err != nil {
		return failed[*directory.Group](err)
	}
	return Paginate(ctx, g.retrier, OpListGroups, "groups", opts.Limit,
		func(actx context.Context, token string) ([]*admin.Group, string, error) {
			if err := g.limiter.Wait(actx); err != nil {
				return nil, "", err
			}
			var gl = g.directory.Groups.List().Customer(g.customer).MaxResults(GroupPageSize).Context(actx)
			if token != "" {
				gl = gl.PageToken(token)
			}
			groups, err := gl.Do()
			if err != nil {
				return nil, "", err
			}
			return groups.Groups, groups.NextPageToken, nil
		}, directory.GroupFromWire)
}

func (g *Google) GetGroup(ctx context.Context, groupKey string) (gr *directory.Group, err error) {
	var w *admin.Group
	if err = g.call(ctx, OpGetGroup, "group:"+groupKey, func(actx context.Context) (e error) {
		w, e = g.directory.Groups.Get(groupKey).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.GroupFromWire(w)
}

func (g *Google) InsertGroup(ctx context.Context, group *directory.Group) (gr *directory.Group, err error) {
	var w *admin.Group
	if err = g.call(ctx, OpInsertGroup, "group:"+group.Email, func(actx context.Context) (e error) {
		w, e = g.directory.Groups.Insert(group.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.GroupFromWire(w)
}

func (g *Google) DeleteGroup(ctx context.Context, groupKey string) error {
	return g.call(ctx, OpDeleteGroup, "group:"+groupKey, func(actx context.Context) error {
		return g.directory.Groups.Delete(groupKey).Context(actx).Do()
	})
}

func (g *Google) ListGroupMembers(ctx context.Context, groupKey string, opts ListOptions) iter.Seq2[*directory.Member, error] {
	if err := g.gate.Allow(OpListGroupMembers); err != nil {
		return failed[*directory.Member](err)
	}
	return Paginate(ctx, g.retrier, OpListGroupMembers, "group:"+groupKey, opts.Limit,
		func(actx context.Context, token string) ([]*admin.Member, string, error) {
			if err := g.limiter.Wait(actx); err != nil {
				return nil, "", err
			}
			var ml = g.directory.Members.List(groupKey).MaxResults(MemberPageSize).Context(actx)
			if token != "" {
				ml = ml.PageToken(token)
			}
			members, err := ml.Do()
			if err != nil {
				return nil, "", err
			}
			return members.Members, members.NextPageToken, nil
		}, directory.MemberFromWire)
}

func (g *Google) InsertGroupMember(ctx context.Context, groupKey string, member *directory.Member) (m *directory.Member, err error) {
	var w *admin.Member
	if err = g.call(ctx, OpInsertGroupMember, "member:"+groupKey+"/"+member.Email, func(actx context.Context) (e error) {
		w, e = g.directory.Members.Insert(groupKey, member.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.MemberFromWire(w)
}

func (g *Google) DeleteGroupMember(ctx context.Context, groupKey, memberKey string) error {
	return g.call(ctx, OpDeleteGroupMember, "member:"+groupKey+"/"+memberKey, func(actx context.Context) error {
		return g.directory.Members.Delete(groupKey, memberKey).Context(actx).Do()
	})
}

// ListOrgUnits returns every unit below the root in one response; the
// provider does not paginate this collection.
func (g *Google) ListOrgUnits(ctx context.Context) iter.Seq2[*directory.OrgUnit, error] {
	if err := g.gate.Allow(OpListOrgUnits); err != nil {
		return failed[*directory.OrgUnit](err)
	}
	return Paginate(ctx, g.retrier, OpListOrgUnits, "orgunits", 0,
		func(actx context.Context, _ string) ([]*admin.OrgUnit, string, error) {
			if err := g.limiter.Wait(actx); err != nil {
				return nil, "", err
			}
			ous, err := g.directory.Orgunits.List(g.customer).Type("all").Context(actx).Do()
			if err != nil {
				return nil, "", err
			}
			return ous.OrganizationUnits, "", nil
		}, directory.OrgUnitFromWire)
}

func (g *Google) InsertOrgUnit(ctx context.Context, ou *directory.OrgUnit) (o *directory.OrgUnit, err error) {
	var w *admin.OrgUnit
	if err = g.call(ctx, OpInsertOrgUnit, "orgunit:"+ou.Path, func(actx context.Context) (e error) {
		w, e = g.directory.Orgunits.Insert(g.customer, ou.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.OrgUnitFromWire(w)
}

func (g *Google) GetFile(ctx context.Context, fileId string) (f *directory.File, err error) {
	var w *drive.File
	if err = g.call(ctx, OpGetFile, "file:"+fileId, func(actx context.Context) (e error) {
		w, e = g.drive.Files.Get(fileId).Fields("id", "name", "mimeType", "owners").
			SupportsAllDrives(true).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.FileFromWire(w)
}

func (g *Google) ListPermissions(ctx context.Context, fileId string) iter.Seq2[*directory.Permission, error] {
	if err := g.gate.Allow(OpListPermissions); err != nil {
		return failed[*directory.Permission](err)
	}
	return Paginate(ctx, g.retrier, OpListPermissions, "file:"+fileId, 0,
		func(actx context.Context, token string) ([]*drive.Permission, string, error) {
			if err := g.limiter.Wait(actx); err != nil {
				return nil, "", err
			}
			var pl = g.drive.Permissions.List(fileId).PageSize(PermissionPageSize).SupportsAllDrives(true).
				Fields("nextPageToken", "permissions(id,type,role,emailAddress,domain,displayName)").Context(actx)
			if token != "" {
				pl = pl.PageToken(token)
			}
			perms, err := pl.Do()
			if err != nil {
				return nil, "", err
			}
			return perms.Permissions, perms.NextPageToken, nil
		}, directory.PermissionFromWire)
}

func (g *Google) InsertPermission(ctx context.Context, fileId string, perm *directory.Permission, n Notification) (p *directory.Permission, err error) {
	var w *drive.Permission
	if err = g.call(ctx, OpInsertPermission, "file:"+fileId+"/"+perm.Subject, func(actx context.Context) (e error) {
		var pc = g.drive.Permissions.Create(fileId, perm.ToWire()).SupportsAllDrives(true).
			Fields(permissionFields...).Context(actx)
		if perm.Kind == directory.KindUser || perm.Kind == directory.KindGroup {
			pc = pc.SendNotificationEmail(n.Send)
			if n.Send && n.Message != "" {
				pc = pc.EmailMessage(n.Message)
			}
		}
		w, e = pc.Do()
		return
	}); err != nil {
		return
	}
	return directory.PermissionFromWire(w)
}

func (g *Google) UpdatePermission(ctx context.Context, fileId, permissionId string, role directory.Role) (p *directory.Permission, err error) {
	var w *drive.Permission
	if err = g.call(ctx, OpUpdatePermission, "file:"+fileId+"/"+permissionId, func(actx context.Context) (e error) {
		w, e = g.drive.Permissions.Update(fileId, permissionId, &drive.Permission{Role: string(role)}).
			SupportsAllDrives(true).Fields(permissionFields...).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	return directory.PermissionFromWire(w)
}

func (g *Google) DeletePermission(ctx context.Context, fileId, permissionId string) error {
	return g.call(ctx, OpDeletePermission, "file:"+fileId+"/"+permissionId, func(actx context.Context) error {
		return g.drive.Permissions.Delete(fileId, permissionId).SupportsAllDrives(true).Context(actx).Do()
	})
}

func (g *Google) SendMessage(ctx context.Context, msg *directory.Message) (id string, err error) {
	var w *gmail.Message
	if err = g.call(ctx, OpSendMessage, "mail:"+msg.Subject, func(actx context.Context) (e error) {
		w, e = g.gmail.Users.Messages.Send("me", msg.ToWire()).Context(actx).Do()
		return
	}); err != nil {
		return
	}
	id = w.Id
	return
}
