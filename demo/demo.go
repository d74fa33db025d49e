// Package demo provides the fixture directory used when demo mode is
// switched on explicitly. Nothing here talks to a provider.
package demo

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/transport"
)

const Domain = "demo.example.com"

// namespace makes fixture ids stable across runs.
var namespace = uuid.MustParse("6f1c2b8e-4d0a-4c56-9a43-2f6e0d7b9c11")

func id(kind, key string) string {
	return uuid.NewSHA1(namespace, []byte(kind+":"+key)).String()
}

var orgUnits = []struct{ path, description string }{
	{"/Engineering", "Product engineering"},
	{"/Engineering/Platform", "Infrastructure and tooling"},
	{"/HR", "People operations"},
	{"/HR/Admin", "Directory administrators"},
	{"/Sales", "Field and inside sales"},
}

var users = []struct {
	local, given, family, ou string
	suspended                bool
}{
	{"anna.admin", "Anna", "Admin", "/HR/Admin", false},
	{"ben.builder", "Ben", "Builder", "/Engineering", false},
	{"carla.cloud", "Carla", "Cloud", "/Engineering/Platform", false},
	{"dmitri.devops", "Dmitri", "Devops", "/Engineering/Platform", false},
	{"erin.hr", "Erin", "Hughes", "/HR", false},
	{"frank.field", "Frank", "Field", "/Sales", false},
	{"gina.growth", "Gina", "Growth", "/Sales", false},
	{"hal.former", "Hal", "Former", "/", true},
}

var groups = []struct {
	local, name, description string
	members                  []string
}{
	{"admin_team", "Admin team", "Directory administrators", []string{"anna.admin", "erin.hr"}},
	{"engineering", "Engineering", "Everyone building the product", []string{"ben.builder", "carla.cloud", "dmitri.devops", "platform"}},
	{"platform", "Platform", "Platform on-call", []string{"carla.cloud", "dmitri.devops"}},
	{"sales", "Sales", "Sales team", []string{"frank.field", "gina.growth"}},
}

// Seed fills m with the fixture directory under domain.
func Seed(m *transport.Memory, domain string) {
	var email = func(local string) string {
		return local + "@" + domain
	}
	var created = time.Date(2023, 12, 1, 9, 0, 0, 0, time.UTC)

	for _, ou := range orgUnits {
		m.AddOrgUnit(&directory.OrgUnit{
			Id:          "id:" + id("orgunit", ou.path),
			Name:        path.Base(ou.path),
			Path:        ou.path,
			ParentPath:  directory.ParentPath(ou.path),
			Description: ou.description,
		})
	}
	for i, u := range users {
		var ts = created.Add(time.Duration(i) * 24 * time.Hour)
		m.AddUser(&directory.User{
			Id:           id("user", u.local),
			PrimaryEmail: email(u.local),
			GivenName:    u.given,
			FamilyName:   u.family,
			OrgUnitPath:  u.ou,
			Suspended:    u.suspended,
			CreationTime: &ts,
		})
	}
	for _, g := range groups {
		m.AddGroup(&directory.Group{
			Id:          id("group", g.local),
			Email:       email(g.local),
			Name:        g.name,
			Description: g.description,
		})
	}
	for _, g := range groups {
		for i, local := range g.members {
			var mb = &directory.Member{
				Id:     id("member", g.local+"/"+local),
				Email:  email(local),
				Role:   directory.MemberMember,
				Type:   "USER",
				Status: "ACTIVE",
			}
			if i == 0 {
				mb.Role = directory.MemberOwner
			}
			if isGroup(local) {
				mb.Type = "GROUP"
			}
			m.AddMember(email(g.local), mb)
		}
	}

	for i, name := range []string{"Quarterly plan", "On-call handbook"} {
		var fileId = fmt.Sprintf("demo-file-%d", i+1)
		m.AddFile(&directory.File{
			Id:       fileId,
			Name:     name,
			MimeType: "application/vnd.google-apps.document",
			Owners:   []string{email("anna.admin")},
		})
		m.AddPermission(fileId, &directory.Permission{
			Id:      id("permission", fileId+"/owner"),
			Subject: email("anna.admin"),
			Kind:    directory.KindUser,
			Role:    directory.RoleOwner,
		})
	}
	m.AddPermission("demo-file-2", &directory.Permission{
		Id:      id("permission", "demo-file-2/engineering"),
		Subject: email("engineering"),
		Kind:    directory.KindGroup,
		Role:    directory.RoleCommenter,
	})
}

// New returns a Memory transport holding the fixture directory.
func New(opts transport.MemoryOptions) *transport.Memory {
	if opts.Domain == "" {
		opts.Domain = Domain
	}
	var m = transport.NewMemory(opts)
	Seed(m, opts.Domain)
	return m
}

func isGroup(local string) bool {
	for _, g := range groups {
		if g.local == local {
			return true
		}
	}
	return false
}
