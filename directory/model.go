// Package directory holds the Workspace entities the core manages and their
// projections to and from the provider's request shapes.
package directory

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	admin "google.golang.org/api/admin/directory/v1"
)

// RootPath is the synthetic organizational unit every directory has.
const RootPath = "/"

type User struct {
	Id            string
	PrimaryEmail  string
	GivenName     string
	FamilyName    string
	FullName      string
	Suspended     bool
	OrgUnitPath   string
	RecoveryEmail string
	CreationTime  *time.Time

	// Password is only set on insert and update requests. It never comes back
	// from the provider.
	Password string

	// raw keeps the provider resource this value was parsed from, so that
	// fields outside the model survive an update.
	raw *admin.User

	sendSuspended bool
}

// SetSuspended sets the suspension flag and marks it to be sent even when false.
func (u *User) SetSuspended(v bool) {
	u.Suspended = v
	u.sendSuspended = true
}

// DisplayName returns FullName, deriving it from the name components when absent.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return strings.TrimSpace(strings.Join([]string{u.GivenName, u.FamilyName}, " "))
}

func (u *User) Key() string {
	return Key(u.PrimaryEmail)
}

func (u *User) Domain() string {
	return DomainOf(u.PrimaryEmail)
}

type Group struct {
	Id           string
	Email        string
	Name         string
	Description  string
	MembersCount int64
	// MemberEmails is populated on demand from the member collection.
	MemberEmails []string
}

func (g *Group) Key() string {
	return Key(g.Email)
}

type MemberRole string

const (
	MemberOwner   MemberRole = "OWNER"
	MemberManager MemberRole = "MANAGER"
	MemberMember  MemberRole = "MEMBER"
)

type Member struct {
	Id     string
	Email  string
	Role   MemberRole
	Type   string
	Status string
}

func (m *Member) Key() string {
	if m.Email != "" {
		return Key(m.Email)
	}
	return m.Id
}

type OrgUnit struct {
	Id          string
	Name        string
	Path        string
	ParentPath  string
	Description string
}

func (o *OrgUnit) Key() string {
	return o.Path
}

// Key normalises an email for use as a map key. Workspace addresses are
// case-insensitive.
func Key(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

func DomainOf(email string) string {
	if pos := strings.LastIndexByte(email, '@'); pos >= 0 {
		return Key(email[pos+1:])
	}
	return ""
}

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
