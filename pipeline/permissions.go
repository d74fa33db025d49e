package pipeline

import (
	"context"
	"fmt"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/transport"
)

type GrantRequest struct {
	FileId  string
	Subject string
	Kind    directory.AuthKind
	Role    directory.Role
	// Notify asks the provider to e-mail the recipient. Without it, a share
	// the provider refuses to make silently is retried once with a notice.
	Notify  bool
	Message string
}

func permissionResource(fileId, subjectKey string) string {
	return "file:" + fileId + "/" + subjectKey
}

func checkRole(role directory.Role) error {
	if _, err := directory.ParseRole(string(role)); err != nil {
		return err
	}
	if role == directory.RoleOwner {
		return errdefs.Validation("role", "ownership transfer is not supported")
	}
	return nil
}

// checkNotOwner keeps the owner permission of a file out of role changes and
// revocation; ownership moves only through a transfer.
func checkNotOwner(existing *directory.Permission) error {
	if existing.Role == directory.RoleOwner {
		return errdefs.Validation("role", "the owner permission cannot be changed or revoked")
	}
	return nil
}

// findPermission resolves subject to the permission entry on fileId, or nil.
func (p *Pipeline) findPermission(ctx context.Context, fileId, subjectKey string) (*directory.Permission, error) {
	for perm, err := range p.transport.ListPermissions(ctx, fileId) {
		if err != nil {
			return nil, err
		}
		if perm.Key() == subjectKey || directory.Key(perm.Subject) == subjectKey {
			return perm, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) GrantPermission(ctx context.Context, req GrantRequest) (*Result, error) {
	if req.Kind == "" {
		req.Kind = directory.KindUser
	}
	if req.Kind == directory.KindAnyone {
		req.Subject = directory.AnyoneSubject
	}
	var perm = &directory.Permission{Subject: req.Subject, Role: req.Role, Kind: req.Kind}
	var resource = permissionResource(req.FileId, perm.Key())
	return p.perform(ctx, ActionGrantPermission, resource, resource, func(ctx context.Context, r *run) (err error) {
		if req.FileId == "" {
			return errdefs.Validation("file_id", "required")
		}
		if _, err = directory.ParseAuthKind(string(req.Kind)); err != nil {
			return
		}
		switch req.Kind {
		case directory.KindUser, directory.KindGroup:
			if err = directory.ValidateEmail("subject", req.Subject); err != nil {
				return
			}
		case directory.KindDomain:
			if req.Subject == "" {
				return errdefs.Validation("subject", "domain is required")
			}
		}
		if err = checkRole(req.Role); err != nil {
			return
		}
		r.detail("role", string(req.Role))
		r.detail("kind", string(req.Kind))

		r.at(StepPreflight)
		existing, err := p.findPermission(ctx, req.FileId, perm.Key())
		if err != nil {
			return
		}
		if existing != nil {
			if existing.Role == req.Role {
				r.detail("unchanged", true)
				r.entity = existing
				return nil
			}
			return &errdefs.Error{
				Kind:     errdefs.KindAlreadyExists,
				Resource: resource,
				Reason:   fmt.Sprintf("subject already holds role %s", existing.Role),
			}
		}

		r.execute()
		var n = transport.Notification{Send: req.Notify, Message: req.Message}
		created, err := p.transport.InsertPermission(ctx, req.FileId, perm, n)
		if errdefs.Is(err, errdefs.KindNotificationRequired) && !req.Notify {
			n.Send = true
			if n.Message == "" {
				n.Message = p.opts.Notice
			}
			r.detail("notify", true)
			r.detail("fallback", "notification-required")
			created, err = p.transport.InsertPermission(ctx, req.FileId, perm, n)
		}
		if err != nil {
			return
		}
		r.detail("permission_id", created.Id)
		r.entity = created
		return nil
	})
}

// ChangePermissionRole resolves subject to its permission id and updates the
// role in place.
func (p *Pipeline) ChangePermissionRole(ctx context.Context, fileId, subject string, role directory.Role) (*Result, error) {
	var key = directory.Key(subject)
	var resource = permissionResource(fileId, key)
	return p.perform(ctx, ActionChangePermissionRole, resource, resource, func(ctx context.Context, r *run) (err error) {
		if fileId == "" {
			return errdefs.Validation("file_id", "required")
		}
		if subject == "" {
			return errdefs.Validation("subject", "required")
		}
		if err = checkRole(role); err != nil {
			return
		}
		r.detail("role", string(role))

		r.at(StepPreflight)
		existing, err := p.findPermission(ctx, fileId, key)
		if err != nil {
			return
		}
		if existing == nil {
			return errdefs.NotFound(resource)
		}
		r.detail("permission_id", existing.Id)
		r.detail("previous_role", string(existing.Role))
		if err = checkNotOwner(existing); err != nil {
			return
		}
		if existing.Role == role {
			r.detail("unchanged", true)
			r.entity = existing
			return nil
		}

		r.execute()
		updated, err := p.transport.UpdatePermission(ctx, fileId, existing.Id, role)
		if err != nil {
			return
		}
		r.entity = updated
		return nil
	})
}

// RevokePermission removes the subject's access to fileId. Revoking access
// that is not there succeeds.
func (p *Pipeline) RevokePermission(ctx context.Context, fileId, subject string) (*Result, error) {
	var key = directory.Key(subject)
	var resource = permissionResource(fileId, key)
	return p.perform(ctx, ActionRevokePermission, resource, resource, func(ctx context.Context, r *run) (err error) {
		if fileId == "" {
			return errdefs.Validation("file_id", "required")
		}
		if subject == "" {
			return errdefs.Validation("subject", "required")
		}

		r.at(StepPreflight)
		existing, err := p.findPermission(ctx, fileId, key)
		if err != nil {
			return
		}
		if existing == nil {
			r.detail("already_absent", true)
			return nil
		}
		r.detail("permission_id", existing.Id)
		if err = checkNotOwner(existing); err != nil {
			return
		}

		r.execute()
		if err = p.transport.DeletePermission(ctx, fileId, existing.Id); err != nil {
			if !errdefs.IsNotFound(err) {
				return
			}
			r.detail("already_absent", true)
		}
		return nil
	})
}
