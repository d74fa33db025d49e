package pipeline

import (
	"context"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/verify"
)

// GeneratedPasswordLength is used when CreateUserRequest asks for a password.
const GeneratedPasswordLength = 16

type CreateUserRequest struct {
	PrimaryEmail string
	GivenName    string
	FamilyName   string
	Password     string
	// GeneratePassword creates a password when Password is empty. The
	// password is returned only in Result.Password.
	GeneratePassword bool
	OrgUnitPath      string
	RecoveryEmail    string
	Suspended        bool
}

type UpdateUserRequest struct {
	PrimaryEmail  string
	GivenName     string
	FamilyName    string
	RecoveryEmail string
	Password      string
}

func userResource(email string) string {
	return "user:" + directory.Key(email)
}

func (p *Pipeline) validateUserEmail(field, email string) error {
	if err := directory.ValidateEmail(field, email); err != nil {
		return err
	}
	if p.opts.Domain != "" {
		return directory.ValidateDomain(email, p.opts.Domain)
	}
	return nil
}

// checkOrgUnit fails with InvalidOrgUnit when a freshly reloaded snapshot
// still lacks the path. A cache that cannot load leaves the answer to the
// remote side.
func (p *Pipeline) checkOrgUnit(ctx context.Context, path string) error {
	if p.cache == nil || path == directory.RootPath {
		return nil
	}
	exists, err := p.cache.OrgUnitExists(ctx, path)
	if err != nil {
		if errdefs.IsCancelled(err) {
			return err
		}
		p.log.Debug("organizational units unavailable, leaving the check to the provider", "path", path, "error", err)
		return nil
	}
	if !exists {
		// a unit created since the last sweep is not in the snapshot yet
		if err = p.cache.Refresh(ctx, cache.KindOrgUnits); err != nil {
			if errdefs.IsCancelled(err) {
				return err
			}
			p.log.Warn("organizational units could not be reloaded, leaving the check to the provider", "path", path, "error", err)
			return nil
		}
		if exists, err = p.cache.OrgUnitExists(ctx, path); err != nil {
			if errdefs.IsCancelled(err) {
				return err
			}
			return nil
		}
	}
	if !exists {
		return errdefs.InvalidOrgUnit(path)
	}
	return nil
}

func withOrgUnitPath(err error, path string) error {
	if e, ok := errdefs.As(err); ok && e.Kind == errdefs.KindInvalidOrgUnit && e.Path == "" {
		var c = *e
		c.Path = path
		return &c
	}
	return err
}

func (p *Pipeline) CreateUser(ctx context.Context, req CreateUserRequest) (*Result, error) {
	var key = directory.Key(req.PrimaryEmail)
	return p.perform(ctx, ActionCreateUser, userResource(req.PrimaryEmail), "user:"+key, func(ctx context.Context, r *run) (err error) {
		if err = p.validateUserEmail("primary_email", req.PrimaryEmail); err != nil {
			return
		}
		if req.GivenName == "" {
			return errdefs.Validation("given_name", "required")
		}
		if req.FamilyName == "" {
			return errdefs.Validation("family_name", "required")
		}
		if req.RecoveryEmail != "" {
			if err = directory.ValidateEmail("recovery_email", req.RecoveryEmail); err != nil {
				return
			}
		}
		var path = req.OrgUnitPath
		if path == "" {
			path = directory.RootPath
		}
		if err = directory.ValidateOrgUnitPath(path); err != nil {
			return
		}
		var password = req.Password
		if password == "" {
			if !req.GeneratePassword {
				return errdefs.Validation("password", "required")
			}
			if password, err = directory.GeneratePassword(GeneratedPasswordLength); err != nil {
				return
			}
			r.password = password
		} else if err = directory.ValidatePassword(password); err != nil {
			return
		}
		r.detail("org_unit_path", path)

		r.at(StepPreflight)
		if err = p.checkOrgUnit(ctx, path); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindUsers}
		created, err := p.transport.InsertUser(ctx, &directory.User{
			PrimaryEmail:  req.PrimaryEmail,
			GivenName:     req.GivenName,
			FamilyName:    req.FamilyName,
			Password:      password,
			OrgUnitPath:   path,
			RecoveryEmail: req.RecoveryEmail,
			Suspended:     req.Suspended,
		})
		if err != nil {
			r.password = ""
			return withOrgUnitPath(err, path)
		}
		r.detail("id", created.Id)
		r.entity = created
		return nil
	})
}

// UpdateUser changes the given name fields. The current resource is read
// first so that fields this package does not model are written back as they
// were.
func (p *Pipeline) UpdateUser(ctx context.Context, req UpdateUserRequest) (*Result, error) {
	var key = directory.Key(req.PrimaryEmail)
	return p.perform(ctx, ActionUpdateUser, userResource(req.PrimaryEmail), "user:"+key, func(ctx context.Context, r *run) (err error) {
		if err = p.validateUserEmail("primary_email", req.PrimaryEmail); err != nil {
			return
		}
		if req.RecoveryEmail != "" {
			if err = directory.ValidateEmail("recovery_email", req.RecoveryEmail); err != nil {
				return
			}
		}
		if req.Password != "" {
			if err = directory.ValidatePassword(req.Password); err != nil {
				return
			}
			r.detail("credential_changed", true)
		}
		if req.GivenName == "" && req.FamilyName == "" && req.RecoveryEmail == "" && req.Password == "" {
			return errdefs.Validation("user", "nothing to update")
		}

		r.at(StepPreflight)
		current, err := p.transport.GetUser(ctx, req.PrimaryEmail)
		if err != nil {
			return
		}
		var changed []string
		if req.GivenName != "" {
			current.GivenName = req.GivenName
			changed = append(changed, "given_name")
		}
		if req.FamilyName != "" {
			current.FamilyName = req.FamilyName
			changed = append(changed, "family_name")
		}
		if req.GivenName != "" || req.FamilyName != "" {
			current.FullName = ""
			current.FullName = current.DisplayName()
		}
		if req.RecoveryEmail != "" {
			current.RecoveryEmail = req.RecoveryEmail
			changed = append(changed, "recovery_email")
		}
		current.Password = req.Password
		r.detail("fields", changed)

		r.execute()
		r.invalidate = []cache.Kind{cache.KindUsers}
		updated, err := p.transport.UpdateUser(ctx, req.PrimaryEmail, current)
		if err != nil {
			return
		}
		r.entity = updated
		return nil
	})
}

// SuspendUser suspends or resumes an account.
func (p *Pipeline) SuspendUser(ctx context.Context, email string, suspend bool, opts ...CallOption) (*Result, error) {
	var key = directory.Key(email)
	return p.perform(ctx, ActionSuspendUser, userResource(email), "user:"+key, func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("primary_email", email); err != nil {
			return
		}
		r.detail("suspended", suspend)

		r.execute()
		r.invalidate = []cache.Kind{cache.KindUsers}
		var patch = &directory.User{}
		patch.SetSuspended(suspend)
		updated, err := p.transport.UpdateUser(ctx, email, patch)
		if err != nil {
			return
		}
		r.entity = updated
		if !verifyEnabled(false, opts) {
			return nil
		}
		return r.await(ctx, key, func(ctx context.Context) (bool, verify.Observation, error) {
			u, err := p.transport.GetUser(ctx, email)
			if err != nil {
				return false, "", err
			}
			if u.Suspended {
				return u.Suspended == suspend, "suspended", nil
			}
			return !suspend, "active", nil
		})
	})
}

// DeleteUser removes an account. Deleting an account that does not exist
// succeeds.
func (p *Pipeline) DeleteUser(ctx context.Context, email string, opts ...CallOption) (*Result, error) {
	var key = directory.Key(email)
	return p.perform(ctx, ActionDeleteUser, userResource(email), "user:"+key, func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("primary_email", email); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindUsers}
		if err = p.transport.DeleteUser(ctx, email); err != nil {
			if !errdefs.IsNotFound(err) {
				return
			}
			r.detail("already_absent", true)
		}
		if !verifyEnabled(false, opts) {
			return nil
		}
		return r.await(ctx, key, func(ctx context.Context) (bool, verify.Observation, error) {
			_, err := p.transport.GetUser(ctx, email)
			if errdefs.IsNotFound(err) {
				return true, "absent", nil
			}
			if err != nil {
				return false, "", err
			}
			return false, "present", nil
		})
	})
}

// MoveUser changes only the organizational unit of a user and, unless told
// otherwise, reads the user back until the new path is visible.
func (p *Pipeline) MoveUser(ctx context.Context, email, orgUnitPath string, opts ...CallOption) (*Result, error) {
	var key = directory.Key(email)
	return p.perform(ctx, ActionMoveUser, userResource(email), "user:"+key, func(ctx context.Context, r *run) (err error) {
		if err = directory.ValidateEmail("primary_email", email); err != nil {
			return
		}
		if err = directory.ValidateOrgUnitPath(orgUnitPath); err != nil {
			return
		}
		r.detail("org_unit_path", orgUnitPath)

		r.at(StepPreflight)
		if err = p.checkOrgUnit(ctx, orgUnitPath); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindUsers, cache.KindOrgUnits}
		updated, err := p.transport.UpdateUser(ctx, email, &directory.User{OrgUnitPath: orgUnitPath})
		if err != nil {
			return withOrgUnitPath(err, orgUnitPath)
		}
		r.entity = updated
		if !verifyEnabled(true, opts) {
			return nil
		}
		return r.await(ctx, key, func(ctx context.Context) (bool, verify.Observation, error) {
			u, err := p.transport.GetUser(ctx, email)
			if err != nil {
				return false, "", err
			}
			return u.OrgUnitPath == orgUnitPath, verify.Observation(u.OrgUnitPath), nil
		})
	})
}
