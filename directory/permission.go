package directory

import (
	"fmt"

	"google.golang.org/api/drive/v3"

	"keepersecurity.com/gws-admin/errdefs"
)

// AuthKind is the subject type of a Drive permission.
type AuthKind string

const (
	KindUser   AuthKind = "user"
	KindGroup  AuthKind = "group"
	KindDomain AuthKind = "domain"
	KindAnyone AuthKind = "anyone"
)

// AnyoneSubject is the subject of an "anyone with the link" permission.
const AnyoneSubject = "anyone"

type Role string

const (
	RoleReader    Role = "reader"
	RoleCommenter Role = "commenter"
	RoleWriter    Role = "writer"
	RoleOwner     Role = "owner"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleReader, RoleCommenter, RoleWriter, RoleOwner:
		return r, nil
	}
	return "", errdefs.Validation("role", fmt.Sprintf("unknown role %q", s))
}

func ParseAuthKind(s string) (AuthKind, error) {
	switch k := AuthKind(s); k {
	case KindUser, KindGroup, KindDomain, KindAnyone:
		return k, nil
	}
	return "", errdefs.Validation("kind", fmt.Sprintf("unknown subject kind %q", s))
}

type Permission struct {
	Id          string
	Subject     string
	Role        Role
	Kind        AuthKind
	DisplayName string
}

func (p *Permission) Key() string {
	if p.Kind == KindUser || p.Kind == KindGroup {
		return Key(p.Subject)
	}
	return string(p.Kind) + ":" + Key(p.Subject)
}

func PermissionFromWire(w *drive.Permission) (*Permission, error) {
	if w == nil || w.Id == "" {
		return nil, missingField("permission", "id")
	}
	kind, err := ParseAuthKind(w.Type)
	if err != nil {
		return nil, fmt.Errorf("permission %s: %w", w.Id, err)
	}
	var p = &Permission{
		Id:          w.Id,
		Role:        Role(w.Role),
		Kind:        kind,
		DisplayName: w.DisplayName,
	}
	switch kind {
	case KindUser, KindGroup:
		p.Subject = w.EmailAddress
	case KindDomain:
		p.Subject = w.Domain
	case KindAnyone:
		p.Subject = AnyoneSubject
	}
	return p, nil
}

func (p *Permission) ToWire() *drive.Permission {
	var w = &drive.Permission{
		Type: string(p.Kind),
		Role: string(p.Role),
	}
	switch p.Kind {
	case KindUser, KindGroup:
		w.EmailAddress = p.Subject
	case KindDomain:
		w.Domain = p.Subject
	}
	return w
}

type File struct {
	Id       string
	Name     string
	MimeType string
	Owners   []string
}

func FileFromWire(w *drive.File) (*File, error) {
	if w == nil || w.Id == "" {
		return nil, missingField("file", "id")
	}
	var f = &File{Id: w.Id, Name: w.Name, MimeType: w.MimeType}
	for _, o := range w.Owners {
		if o != nil && o.EmailAddress != "" {
			f.Owners = append(f.Owners, o.EmailAddress)
		}
	}
	return f, nil
}
