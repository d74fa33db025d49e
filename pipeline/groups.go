package pipeline

import (
	"context"
	"fmt"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/transport"
	"keepersecurity.com/gws-admin/verify"
)

type GroupRequest struct {
	Email       string
	Name        string
	Description string
}

func groupResource(email string) string {
	return "group:" + directory.Key(email)
}

func memberResource(group, member string) string {
	return "member:" + directory.Key(group) + "/" + directory.Key(member)
}

func (p *Pipeline) CreateGroup(ctx context.Context, req GroupRequest) (*Result, error) {
	return p.perform(ctx, ActionCreateGroup, groupResource(req.Email), groupResource(req.Email), func(ctx context.Context, r *run) (err error) {
		if err = p.validateUserEmail("email", req.Email); err != nil {
			return
		}
		if req.Name == "" {
			return errdefs.Validation("name", "required")
		}
		if p.cache != nil && p.cache.Peek(cache.KindUsers, req.Email) == cache.Present {
			return errdefs.Validation("email", fmt.Sprintf("%s is a user's primary email", req.Email))
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindGroups}
		created, err := p.transport.InsertGroup(ctx, &directory.Group{
			Email:       req.Email,
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			return
		}
		r.detail("id", created.Id)
		r.entity = created
		return nil
	})
}

// DeleteGroup removes a group and its memberships. Deleting a group that
// does not exist succeeds.
func (p *Pipeline) DeleteGroup(ctx context.Context, email string) (*Result, error) {
	return p.perform(ctx, ActionDeleteGroup, groupResource(email), groupResource(email), func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("email", email); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindGroups, cache.KindMembers(email)}
		if err = p.transport.DeleteGroup(ctx, email); err != nil {
			if !errdefs.IsNotFound(err) {
				return
			}
			r.detail("already_absent", true)
		}
		return nil
	})
}

// memberPresent lists the group and reports whether member is in it.
func (p *Pipeline) memberPresent(ctx context.Context, group, member string) (bool, error) {
	var key = directory.Key(member)
	for mb, err := range p.transport.ListGroupMembers(ctx, group, transport.ListOptions{}) {
		if err != nil {
			return false, err
		}
		if mb.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func presence(ok bool) verify.Observation {
	if ok {
		return "present"
	}
	return "absent"
}

// AddMember adds member to group with role (MEMBER when empty). A member
// that is already there counts as added.
func (p *Pipeline) AddMember(ctx context.Context, group, member string, role directory.MemberRole, opts ...CallOption) (*Result, error) {
	var resource = memberResource(group, member)
	return p.perform(ctx, ActionAddMember, resource, resource, func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("group", group); err != nil {
			return
		}
		if err = directory.ValidateEmail("member", member); err != nil {
			return
		}
		switch role {
		case "":
			role = directory.MemberMember
		case directory.MemberMember, directory.MemberManager, directory.MemberOwner:
		default:
			return errdefs.Validation("role", fmt.Sprintf("unknown member role %q", role))
		}
		r.detail("role", string(role))

		r.execute()
		r.invalidate = []cache.Kind{cache.KindMembers(group), cache.KindGroups}
		added, err := p.transport.InsertGroupMember(ctx, group, &directory.Member{Email: member, Role: role})
		switch {
		case errdefs.IsAlreadyExists(err):
			r.detail("already_member", true)
		case err != nil:
			return
		default:
			r.entity = added
		}
		if !verifyEnabled(true, opts) {
			return nil
		}
		return r.await(ctx, resource, func(ctx context.Context) (bool, verify.Observation, error) {
			ok, err := p.memberPresent(ctx, group, member)
			if err != nil {
				return false, "", err
			}
			return ok, presence(ok), nil
		})
	})
}

// RemoveMember takes member out of group. A member that is not there counts
// as removed.
func (p *Pipeline) RemoveMember(ctx context.Context, group, member string, opts ...CallOption) (*Result, error) {
	var resource = memberResource(group, member)
	return p.perform(ctx, ActionRemoveMember, resource, resource, func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("group", group); err != nil {
			return
		}
		if err = directory.ValidateEmail("member", member); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindMembers(group), cache.KindGroups}
		if err = p.transport.DeleteGroupMember(ctx, group, member); err != nil {
			if !errdefs.IsNotFound(err) {
				return
			}
			r.detail("already_absent", true)
		}
		if !verifyEnabled(true, opts) {
			return nil
		}
		return r.await(ctx, resource, func(ctx context.Context) (bool, verify.Observation, error) {
			ok, err := p.memberPresent(ctx, group, member)
			if err != nil {
				return false, "", err
			}
			return !ok, presence(ok), nil
		})
	})
}
