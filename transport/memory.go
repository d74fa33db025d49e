package transport

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/directory"
)

// Fault is consulted before every Memory request attempt. A non-nil error
// replaces the attempt's result and goes through the same retry and
// classification as a provider error. It may block until ctx is done.
type Fault func(ctx context.Context, op, key string) error

type MemoryOptions struct {
	// Domain is the workspace domain; sharing with subjects outside it
	// without a notification is rejected, as the provider does.
	Domain  string
	Retrier *Retrier
	Clock   clock.Clock
}

// Memory is an in-process directory that speaks the Transport contract.
// It backs demo mode and the tests of every package above transport.
type Memory struct {
	retrier *Retrier
	clock   clock.Clock
	domain  string

	mu       sync.Mutex
	users    map[string]*directory.User
	groups   map[string]*directory.Group
	members  map[string]map[string]*directory.Member
	orgUnits map[string]*directory.OrgUnit
	files    map[string]*directory.File
	perms    map[string]map[string]*directory.Permission
	sent     []*directory.Message
	hidden   directory.Set[string]
	calls    map[string]int
	fault    Fault
}

func NewMemory(opts MemoryOptions) *Memory {
	var m = &Memory{
		retrier:  opts.Retrier,
		clock:    opts.Clock,
		domain:   directory.Key(opts.Domain),
		users:    make(map[string]*directory.User),
		groups:   make(map[string]*directory.Group),
		members:  make(map[string]map[string]*directory.Member),
		orgUnits: make(map[string]*directory.OrgUnit),
		files:    make(map[string]*directory.File),
		perms:    make(map[string]map[string]*directory.Permission),
		hidden:   directory.NewSet[string](),
		calls:    make(map[string]int),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.retrier == nil {
		m.retrier = NewRetrier(DefaultPolicy(), m.clock, nil)
	}
	return m
}

func apiError(code int, message string, reasons ...string) *googleapi.Error {
	var e = &googleapi.Error{Code: code, Message: message, Header: http.Header{}}
	for _, r := range reasons {
		e.Errors = append(e.Errors, googleapi.ErrorItem{Reason: r, Message: message})
	}
	return e
}

// SetFault installs f, replacing any previous fault. nil clears it.
func (m *Memory) SetFault(f Fault) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// Calls returns the number of request attempts made for op.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) ResetCalls() {
	m.mu.Lock()
	m.calls = make(map[string]int)
	m.mu.Unlock()
}

// HideMember keeps a membership out of listings, modelling propagation lag
// between the write and read paths of the provider.
func (m *Memory) HideMember(groupKey, memberKey string) {
	m.mu.Lock()
	m.hidden.Add(directory.Key(groupKey) + "/" + directory.Key(memberKey))
	m.mu.Unlock()
}

func (m *Memory) Sent() []*directory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *Memory) AddUser(u *directory.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c = u.Clone()
	c.Password = ""
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	if c.OrgUnitPath == "" {
		c.OrgUnitPath = directory.RootPath
	}
	m.users[c.Key()] = c
}

func (m *Memory) AddGroup(g *directory.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c = *g
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	m.groups[c.Key()] = &c
}

func (m *Memory) AddMember(groupKey string, mb *directory.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var gk = directory.Key(groupKey)
	if m.members[gk] == nil {
		m.members[gk] = make(map[string]*directory.Member)
	}
	var c = *mb
	if c.Role == "" {
		c.Role = directory.MemberMember
	}
	if c.Type == "" {
		c.Type = "USER"
	}
	m.members[gk][c.Key()] = &c
}

func (m *Memory) AddOrgUnit(ou *directory.OrgUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c = *ou
	if c.ParentPath == "" {
		c.ParentPath = directory.ParentPath(c.Path)
	}
	if c.Id == "" {
		c.Id = "id:" + uuid.NewString()
	}
	m.orgUnits[c.Path] = &c
}

func (m *Memory) AddFile(f *directory.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c = *f
	m.files[c.Id] = &c
	if m.perms[c.Id] == nil {
		m.perms[c.Id] = make(map[string]*directory.Permission)
	}
}

func (m *Memory) AddPermission(fileId string, p *directory.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perms[fileId] == nil {
		m.perms[fileId] = make(map[string]*directory.Permission)
	}
	var c = *p
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	m.perms[fileId][c.Id] = &c
}

// attempt counts one request attempt and consults the fault hook.
func (m *Memory) attempt(ctx context.Context, op, key string) error {
	m.mu.Lock()
	m.calls[op]++
	var f = m.fault
	m.mu.Unlock()
	if f != nil {
		return f(ctx, op, key)
	}
	return nil
}

func (m *Memory) do(ctx context.Context, op, key, resource string, fn func() error) error {
	return m.retrier.Do(ctx, op, resource, func(actx context.Context) error {
		if err := m.attempt(actx, op, key); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn()
	})
}

// page serves sorted keys with an offset continuation token.
func page[V any](sorted []string, values map[string]V, token string, size int) (items []V, next string, err error) {
	var offset int
	if token != "" {
		if offset, err = strconv.Atoi(token); err != nil || offset < 0 || offset > len(sorted) {
			return nil, "", apiError(http.StatusBadRequest, "Invalid page token")
		}
	}
	var end = offset + size
	if end > len(sorted) {
		end = len(sorted)
	}
	for _, k := range sorted[offset:end] {
		items = append(items, values[k])
	}
	if end < len(sorted) {
		next = strconv.Itoa(end)
	}
	return
}

func sortedKeys[V any](values map[string]V) []string {
	var keys = make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) listPages(ctx context.Context, op, key string, fetch func(token string) ([]any, string, error)) PageFunc[any] {
	return func(actx context.Context, token string) ([]any, string, error) {
		if err := m.attempt(actx, op, key); err != nil {
			return nil, "", err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return fetch(token)
	}
}

func asUser(v any) (*directory.User, error)       { return v.(*directory.User).Clone(), nil }
func asGroup(v any) (*directory.Group, error)     { var g = *v.(*directory.Group); return &g, nil }
func asMember(v any) (*directory.Member, error)   { var mb = *v.(*directory.Member); return &mb, nil }
func asOrgUnit(v any) (*directory.OrgUnit, error) { var o = *v.(*directory.OrgUnit); return &o, nil }
func asPermission(v any) (*directory.Permission, error) {
	var p = *v.(*directory.Permission)
	return &p, nil
}

func toAny[V any](items []V) []any {
	var out = make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func (m *Memory) ListUsers(ctx context.Context, opts ListOptions) iter.Seq2[*directory.User, error] {
	return Paginate(ctx, m.retrier, OpListUsers, "users", opts.Limit,
		m.listPages(ctx, OpListUsers, "", func(token string) ([]any, string, error) {
			items, next, err := page(sortedKeys(m.users), m.users, token, UserPageSize)
			return toAny(items), next, err
		}), asUser)
}

func (m *Memory) findUser(userKey string) *directory.User {
	if u, ok := m.users[directory.Key(userKey)]; ok {
		return u
	}
	for _, u := range m.users {
		if u.Id == userKey {
			return u
		}
	}
	return nil
}

func (m *Memory) GetUser(ctx context.Context, userKey string) (u *directory.User, err error) {
	err = m.do(ctx, OpGetUser, userKey, "user:"+userKey, func() error {
		var found = m.findUser(userKey)
		if found == nil {
			return apiError(http.StatusNotFound, "Resource Not Found: userKey", "notFound")
		}
		u = found.Clone()
		return nil
	})
	return
}

func (m *Memory) orgUnitExists(path string) bool {
	if path == "" || path == directory.RootPath {
		return true
	}
	_, ok := m.orgUnits[path]
	return ok
}

func (m *Memory) InsertUser(ctx context.Context, user *directory.User) (u *directory.User, err error) {
	err = m.do(ctx, OpInsertUser, user.PrimaryEmail, "user:"+user.PrimaryEmail, func() error {
		var key = user.Key()
		if _, ok := m.users[key]; ok {
			return apiError(http.StatusConflict, "Entity already exists.", "duplicate")
		}
		if _, ok := m.groups[key]; ok {
			return apiError(http.StatusConflict, "Entity already exists.", "duplicate")
		}
		if !m.orgUnitExists(user.OrgUnitPath) {
			return apiError(http.StatusBadRequest, "Invalid Input: INVALID_OU_ID", "invalid")
		}
		var c = user.Clone()
		c.Password = ""
		c.Id = uuid.NewString()
		if c.OrgUnitPath == "" {
			c.OrgUnitPath = directory.RootPath
		}
		c.FullName = c.DisplayName()
		var now = m.clock.Now().UTC()
		c.CreationTime = &now
		m.users[key] = c
		u = c.Clone()
		return nil
	})
	return
}

func (m *Memory) UpdateUser(ctx context.Context, userKey string, user *directory.User) (u *directory.User, err error) {
	var w = user.ToWire()
	err = m.do(ctx, OpUpdateUser, userKey, "user:"+userKey, func() error {
		var found = m.findUser(userKey)
		if found == nil {
			return apiError(http.StatusNotFound, "Resource Not Found: userKey", "notFound")
		}
		if w.OrgUnitPath != "" && !m.orgUnitExists(w.OrgUnitPath) {
			return apiError(http.StatusBadRequest, "Invalid Input: INVALID_OU_ID", "invalid")
		}
		var c = found.Clone()
		if w.Name != nil {
			if w.Name.GivenName != "" {
				c.GivenName = w.Name.GivenName
			}
			if w.Name.FamilyName != "" {
				c.FamilyName = w.Name.FamilyName
			}
			c.FullName = ""
			c.FullName = c.DisplayName()
		}
		if w.OrgUnitPath != "" {
			c.OrgUnitPath = w.OrgUnitPath
		}
		if w.RecoveryEmail != "" {
			c.RecoveryEmail = w.RecoveryEmail
		}
		if w.Suspended || slices.Contains(w.ForceSendFields, "Suspended") {
			c.Suspended = w.Suspended
		}
		m.users[c.Key()] = c
		u = c.Clone()
		return nil
	})
	return
}

func (m *Memory) DeleteUser(ctx context.Context, userKey string) error {
	return m.do(ctx, OpDeleteUser, userKey, "user:"+userKey, func() error {
		var found = m.findUser(userKey)
		if found == nil {
			return apiError(http.StatusNotFound, "Resource Not Found: userKey", "notFound")
		}
		delete(m.users, found.Key())
		for _, mm := range m.members {
			delete(mm, found.Key())
		}
		return nil
	})
}

func (m *Memory) ListGroups(ctx context.Context, opts ListOptions) iter.Seq2[*directory.Group, error] {
	return Paginate(ctx, m.retrier, OpListGroups, "groups", opts.Limit,
		m.listPages(ctx, OpListGroups, "", func(token string) ([]any, string, error) {
			for k, g := range m.groups {
				g.MembersCount = int64(len(m.members[k]))
			}
			items, next, err := page(sortedKeys(m.groups), m.groups, token, GroupPageSize)
			return toAny(items), next, err
		}), asGroup)
}

func (m *Memory) GetGroup(ctx context.Context, groupKey string) (g *directory.Group, err error) {
	err = m.do(ctx, OpGetGroup, groupKey, "group:"+groupKey, func() error {
		found, ok := m.groups[directory.Key(groupKey)]
		if !ok {
			return apiError(http.StatusNotFound, "Resource Not Found: groupKey", "notFound")
		}
		var c = *found
		c.MembersCount = int64(len(m.members[found.Key()]))
		g = &c
		return nil
	})
	return
}

func (m *Memory) InsertGroup(ctx context.Context, group *directory.Group) (g *directory.Group, err error) {
	err = m.do(ctx, OpInsertGroup, group.Email, "group:"+group.Email, func() error {
		var key = group.Key()
		if _, ok := m.groups[key]; ok {
			return apiError(http.StatusConflict, "Entity already exists.", "duplicate")
		}
		if _, ok := m.users[key]; ok {
			return apiError(http.StatusConflict, "Entity already exists.", "duplicate")
		}
		var c = *group
		c.Id = uuid.NewString()
		c.MembersCount = 0
		c.MemberEmails = nil
		m.groups[key] = &c
		var out = c
		g = &out
		return nil
	})
	return
}

func (m *Memory) DeleteGroup(ctx context.Context, groupKey string) error {
	return m.do(ctx, OpDeleteGroup, groupKey, "group:"+groupKey, func() error {
		var key = directory.Key(groupKey)
		if _, ok := m.groups[key]; !ok {
			return apiError(http.StatusNotFound, "Resource Not Found: groupKey", "notFound")
		}
		delete(m.groups, key)
		delete(m.members, key)
		return nil
	})
}

func (m *Memory) ListGroupMembers(ctx context.Context, groupKey string, opts ListOptions) iter.Seq2[*directory.Member, error] {
	var gk = directory.Key(groupKey)
	return Paginate(ctx, m.retrier, OpListGroupMembers, "group:"+groupKey, opts.Limit,
		m.listPages(ctx, OpListGroupMembers, groupKey, func(token string) ([]any, string, error) {
			if _, ok := m.groups[gk]; !ok {
				return nil, "", apiError(http.StatusNotFound, "Resource Not Found: groupKey", "notFound")
			}
			var visible = make(map[string]*directory.Member)
			for k, mb := range m.members[gk] {
				if !m.hidden.Has(gk + "/" + k) {
					visible[k] = mb
				}
			}
			items, next, err := page(sortedKeys(visible), visible, token, MemberPageSize)
			return toAny(items), next, err
		}), asMember)
}

func (m *Memory) InsertGroupMember(ctx context.Context, groupKey string, member *directory.Member) (mb *directory.Member, err error) {
	err = m.do(ctx, OpInsertGroupMember, groupKey+"/"+member.Email, "member:"+groupKey+"/"+member.Email, func() error {
		var gk = directory.Key(groupKey)
		if _, ok := m.groups[gk]; !ok {
			return apiError(http.StatusNotFound, "Resource Not Found: groupKey", "notFound")
		}
		if _, ok := m.members[gk][member.Key()]; ok {
			return apiError(http.StatusConflict, "Member already exists.", "duplicate")
		}
		var c = *member
		if c.Role == "" {
			c.Role = directory.MemberMember
		}
		c.Type = "USER"
		if _, ok := m.groups[member.Key()]; ok {
			c.Type = "GROUP"
		} else if directory.DomainOf(member.Email) != m.domain {
			c.Type = "EXTERNAL"
		}
		c.Status = "ACTIVE"
		c.Id = uuid.NewString()
		if m.members[gk] == nil {
			m.members[gk] = make(map[string]*directory.Member)
		}
		m.members[gk][c.Key()] = &c
		var out = c
		mb = &out
		return nil
	})
	return
}

func (m *Memory) DeleteGroupMember(ctx context.Context, groupKey, memberKey string) error {
	return m.do(ctx, OpDeleteGroupMember, groupKey+"/"+memberKey, "member:"+groupKey+"/"+memberKey, func() error {
		var gk, mk = directory.Key(groupKey), directory.Key(memberKey)
		if _, ok := m.members[gk][mk]; !ok {
			return apiError(http.StatusNotFound, "Resource Not Found: memberKey", "notFound")
		}
		delete(m.members[gk], mk)
		return nil
	})
}

func (m *Memory) ListOrgUnits(ctx context.Context) iter.Seq2[*directory.OrgUnit, error] {
	return Paginate(ctx, m.retrier, OpListOrgUnits, "orgunits", 0,
		m.listPages(ctx, OpListOrgUnits, "", func(_ string) ([]any, string, error) {
			var items []*directory.OrgUnit
			for _, k := range sortedKeys(m.orgUnits) {
				items = append(items, m.orgUnits[k])
			}
			return toAny(items), "", nil
		}), asOrgUnit)
}

func (m *Memory) InsertOrgUnit(ctx context.Context, ou *directory.OrgUnit) (o *directory.OrgUnit, err error) {
	err = m.do(ctx, OpInsertOrgUnit, ou.Path, "orgunit:"+ou.Path, func() error {
		if _, ok := m.orgUnits[ou.Path]; ok {
			return apiError(http.StatusConflict, "Invalid Ou Id: already exists", "duplicate")
		}
		if !m.orgUnitExists(ou.ParentPath) {
			return apiError(http.StatusBadRequest, "Invalid parent orgunitpath", "invalid")
		}
		var c = *ou
		c.Id = "id:" + uuid.NewString()
		m.orgUnits[c.Path] = &c
		var out = c
		o = &out
		return nil
	})
	return
}

func (m *Memory) GetFile(ctx context.Context, fileId string) (f *directory.File, err error) {
	err = m.do(ctx, OpGetFile, fileId, "file:"+fileId, func() error {
		found, ok := m.files[fileId]
		if !ok {
			return apiError(http.StatusNotFound, fmt.Sprintf("File not found: %s.", fileId), "notFound")
		}
		var c = *found
		f = &c
		return nil
	})
	return
}

func (m *Memory) ListPermissions(ctx context.Context, fileId string) iter.Seq2[*directory.Permission, error] {
	return Paginate(ctx, m.retrier, OpListPermissions, "file:"+fileId, 0,
		m.listPages(ctx, OpListPermissions, fileId, func(token string) ([]any, string, error) {
			if _, ok := m.files[fileId]; !ok {
				return nil, "", apiError(http.StatusNotFound, fmt.Sprintf("File not found: %s.", fileId), "notFound")
			}
			items, next, err := page(sortedKeys(m.perms[fileId]), m.perms[fileId], token, PermissionPageSize)
			return toAny(items), next, err
		}), asPermission)
}

func (m *Memory) InsertPermission(ctx context.Context, fileId string, perm *directory.Permission, n Notification) (p *directory.Permission, err error) {
	err = m.do(ctx, OpInsertPermission, fileId+"/"+perm.Subject, "file:"+fileId+"/"+perm.Subject, func() error {
		if _, ok := m.files[fileId]; !ok {
			return apiError(http.StatusNotFound, fmt.Sprintf("File not found: %s.", fileId), "notFound")
		}
		if perm.Kind == directory.KindUser && !n.Send && directory.DomainOf(perm.Subject) != m.domain {
			return apiError(http.StatusBadRequest, fmt.Sprintf(
				"Bad Request. User message: \"You are trying to invite %s. Since there is no Google account associated with this email address, you must check the 'Notify people' box to invite this recipient.\"",
				perm.Subject), "invalidSharingRequest")
		}
		for _, existing := range m.perms[fileId] {
			if existing.Key() == perm.Key() {
				existing.Role = perm.Role
				var c = *existing
				p = &c
				return nil
			}
		}
		var c = *perm
		c.Id = uuid.NewString()
		m.perms[fileId][c.Id] = &c
		var out = c
		p = &out
		return nil
	})
	return
}

func (m *Memory) UpdatePermission(ctx context.Context, fileId, permissionId string, role directory.Role) (p *directory.Permission, err error) {
	err = m.do(ctx, OpUpdatePermission, fileId+"/"+permissionId, "file:"+fileId+"/"+permissionId, func() error {
		found, ok := m.perms[fileId][permissionId]
		if !ok {
			return apiError(http.StatusNotFound, fmt.Sprintf("Permission not found: %s.", permissionId), "notFound")
		}
		found.Role = role
		var c = *found
		p = &c
		return nil
	})
	return
}

func (m *Memory) DeletePermission(ctx context.Context, fileId, permissionId string) error {
	return m.do(ctx, OpDeletePermission, fileId+"/"+permissionId, "file:"+fileId+"/"+permissionId, func() error {
		if _, ok := m.perms[fileId][permissionId]; !ok {
			return apiError(http.StatusNotFound, fmt.Sprintf("Permission not found: %s.", permissionId), "notFound")
		}
		delete(m.perms[fileId], permissionId)
		return nil
	})
}

func (m *Memory) SendMessage(ctx context.Context, msg *directory.Message) (id string, err error) {
	err = m.do(ctx, OpSendMessage, msg.Subject, "mail:"+msg.Subject, func() error {
		if e := msg.Validate(); e != nil {
			return apiError(http.StatusBadRequest, e.Error(), "invalidArgument")
		}
		var c = *msg
		c.To = slices.Clone(msg.To)
		m.sent = append(m.sent, &c)
		id = uuid.NewString()
		return nil
	})
	return
}
