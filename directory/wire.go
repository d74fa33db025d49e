package directory

import (
	"fmt"
	"time"

	admin "google.golang.org/api/admin/directory/v1"
)

func missingField(resource, field string) error {
	return fmt.Errorf("%s resource is missing required field %q", resource, field)
}

// UserFromWire parses an Admin SDK user resource.
func UserFromWire(w *admin.User) (u *User, err error) {
	if w == nil || w.PrimaryEmail == "" {
		err = missingField("user", "primaryEmail")
		return
	}
	u = &User{
		Id:            w.Id,
		PrimaryEmail:  w.PrimaryEmail,
		Suspended:     w.Suspended,
		OrgUnitPath:   w.OrgUnitPath,
		RecoveryEmail: w.RecoveryEmail,
		raw:           w,
	}
	if u.OrgUnitPath == "" {
		u.OrgUnitPath = RootPath
	}
	if w.Name != nil {
		u.GivenName = normalizeName(w.Name.GivenName)
		u.FamilyName = normalizeName(w.Name.FamilyName)
		u.FullName = normalizeName(w.Name.FullName)
	}
	if u.FullName == "" {
		u.FullName = u.DisplayName()
	}
	if w.CreationTime != "" {
		var ct time.Time
		if ct, err = time.Parse(time.RFC3339, w.CreationTime); err != nil {
			err = fmt.Errorf("user %s: creationTime: %w", w.PrimaryEmail, err)
			return nil, err
		}
		u.CreationTime = &ct
	}
	return
}

// ToWire projects the user onto an Admin SDK request body. Fields of the
// original resource that the model does not know about are carried over;
// empty model fields leave the original value in place.
func (u *User) ToWire() *admin.User {
	var w admin.User
	if u.raw != nil {
		w = *u.raw
		w.ForceSendFields = nil
	}
	if u.PrimaryEmail != "" {
		w.PrimaryEmail = u.PrimaryEmail
	}
	if u.GivenName != "" || u.FamilyName != "" {
		var name = &admin.UserName{}
		if w.Name != nil {
			*name = *w.Name
		}
		if u.GivenName != "" {
			name.GivenName = u.GivenName
		}
		if u.FamilyName != "" {
			name.FamilyName = u.FamilyName
		}
		w.Name = name
	}
	if u.OrgUnitPath != "" {
		w.OrgUnitPath = u.OrgUnitPath
	}
	if u.RecoveryEmail != "" {
		w.RecoveryEmail = u.RecoveryEmail
	}
	w.Suspended = u.Suspended
	if u.raw != nil || u.Suspended || u.sendSuspended {
		w.ForceSendFields = append(w.ForceSendFields, "Suspended")
	}
	if u.Password != "" {
		w.Password = u.Password
		w.HashFunction = ""
	} else {
		w.Password = ""
	}
	return &w
}

// Clone returns a copy that shares the opaque provider resource.
func (u *User) Clone() *User {
	var c = *u
	if u.CreationTime != nil {
		var ct = *u.CreationTime
		c.CreationTime = &ct
	}
	return &c
}

func GroupFromWire(w *admin.Group) (*Group, error) {
	if w == nil || w.Email == "" {
		return nil, missingField("group", "email")
	}
	return &Group{
		Id:           w.Id,
		Email:        w.Email,
		Name:         normalizeName(w.Name),
		Description:  w.Description,
		MembersCount: w.DirectMembersCount,
	}, nil
}

func (g *Group) ToWire() *admin.Group {
	return &admin.Group{
		Email:       g.Email,
		Name:        g.Name,
		Description: g.Description,
	}
}

func MemberFromWire(w *admin.Member) (*Member, error) {
	if w == nil || (w.Email == "" && w.Id == "") {
		return nil, missingField("member", "email")
	}
	var m = &Member{
		Id:     w.Id,
		Email:  w.Email,
		Role:   MemberRole(w.Role),
		Type:   w.Type,
		Status: w.Status,
	}
	if m.Role == "" {
		m.Role = MemberMember
	}
	return m, nil
}

func (m *Member) ToWire() *admin.Member {
	var role = m.Role
	if role == "" {
		role = MemberMember
	}
	return &admin.Member{
		Email: m.Email,
		Role:  string(role),
	}
}

func OrgUnitFromWire(w *admin.OrgUnit) (*OrgUnit, error) {
	if w == nil || w.OrgUnitPath == "" {
		return nil, missingField("orgUnit", "orgUnitPath")
	}
	var ou = &OrgUnit{
		Id:          w.OrgUnitId,
		Name:        normalizeName(w.Name),
		Path:        w.OrgUnitPath,
		ParentPath:  w.ParentOrgUnitPath,
		Description: w.Description,
	}
	if ou.ParentPath == "" {
		ou.ParentPath = ParentPath(ou.Path)
	}
	if err := ou.Check(); err != nil {
		return nil, err
	}
	return ou, nil
}

func (o *OrgUnit) ToWire() *admin.OrgUnit {
	var parent = o.ParentPath
	if parent == "" {
		parent = ParentPath(o.Path)
	}
	return &admin.OrgUnit{
		Name:              o.Name,
		ParentOrgUnitPath: parent,
		Description:       o.Description,
	}
}
