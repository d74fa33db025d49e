package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepersecurity.com/gws-admin/audit"
	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/clock"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/monitor"
	"keepersecurity.com/gws-admin/transport"
)

const (
	adminTeam  = "admin_team@example.com"
	testMember = "testdec2023@example.com"
)

type fixture struct {
	clock    *clock.Fake
	remote   *transport.Memory
	cache    *cache.Cache
	records  *audit.MemoryStore
	monitor  *monitor.Monitor
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	var clk = clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var remote = transport.NewMemory(transport.MemoryOptions{
		Domain:  "example.com",
		Clock:   clk,
		Retrier: transport.NewRetrier(transport.DefaultPolicy(), clk, nil),
	})
	remote.AddOrgUnit(&directory.OrgUnit{Name: "HR", Path: "/HR"})
	remote.AddOrgUnit(&directory.OrgUnit{Name: "Admin", Path: "/HR/Admin"})

	c, err := cache.New(remote, cache.Options{TTL: 300 * time.Second, Clock: clk})
	require.NoError(t, err)
	var records = audit.NewMemoryStore()
	var mon = monitor.New(256, nil)
	var p = New(Deps{
		Transport: remote,
		Cache:     c,
		Audit:     audit.NewLog(records, clk, "admin@example.com", nil),
		Monitor:   mon,
		Clock:     clk,
	}, Options{Domain: "example.com"})
	return &fixture{clock: clk, remote: remote, cache: c, records: records, monitor: mon, pipeline: p}
}

// countCalls counts every request attempt the remote side sees.
func (f *fixture) countCalls() *atomic.Int32 {
	var n atomic.Int32
	f.remote.SetFault(func(context.Context, string, string) error {
		n.Add(1)
		return nil
	})
	return &n
}

func (f *fixture) outcomes() (out []audit.Outcome) {
	for _, r := range f.records.Records() {
		out = append(out, r.Outcome)
	}
	return
}

func anna() CreateUserRequest {
	return CreateUserRequest{
		PrimaryEmail: "anna.admin@example.com",
		GivenName:    "Anna",
		FamilyName:   "Admin",
		Password:     "AdminPass123!",
		OrgUnitPath:  "/HR/Admin",
	}
}

func userEmails(users []*directory.User) (out []string) {
	for _, u := range users {
		out = append(out, u.PrimaryEmail)
	}
	return
}

func TestCreateUserInSubUnit(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	before, err := f.cache.Users(ctx, cache.Wait)
	require.NoError(t, err)
	assert.Empty(t, before.Items)

	res, err := f.pipeline.CreateUser(ctx, anna())
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeOK, res.Outcome)
	var u = res.Entity.(*directory.User)
	assert.NotEmpty(t, u.Id)
	assert.Equal(t, "/HR/Admin", u.OrgUnitPath)
	assert.Empty(t, res.Password)

	var recs = f.records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, ActionCreateUser, recs[0].Action)
	assert.Equal(t, "user:anna.admin@example.com", recs[0].Resource)
	assert.Equal(t, audit.OutcomeOK, recs[0].Outcome)
	assert.Equal(t, res.AuditID, recs[0].ID)

	after, err := f.cache.Users(ctx, cache.Wait)
	require.NoError(t, err)
	assert.Equal(t, []string{"anna.admin@example.com"}, userEmails(after.Items))
	assert.Equal(t, int64(1), f.monitor.Count(ActionCreateUser))
}

func TestCreateUserDomainMismatch(t *testing.T) {
	var f = newFixture(t)
	var calls = f.countCalls()
	var req = anna()
	req.PrimaryEmail = "x@other.com"

	_, err := f.pipeline.CreateUser(context.Background(), req)
	require.Error(t, err)
	e, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindDomainMismatch, e.Kind)
	assert.Equal(t, "x@other.com", e.Email)
	assert.Equal(t, "example.com", e.Expected)
	assert.Zero(t, calls.Load())

	var recs = f.records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, "DomainMismatch", recs[0].Details["reason"])
}

func TestRemoveMissingMemberTwice(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.RemoveMember(ctx, adminTeam, testMember)
		require.NoError(t, err)
		assert.Equal(t, audit.OutcomeVerified, res.Outcome)
		assert.Nil(t, res.Warning)
		assert.Equal(t, true, res.Details["already_absent"])
		assert.Equal(t, 1, res.Details["verification_probes"])
	}
	assert.Equal(t, 2, f.remote.Calls(transport.OpDeleteGroupMember))
	assert.Equal(t, []audit.Outcome{audit.OutcomeVerified, audit.OutcomeVerified}, f.outcomes())
	assert.Equal(t, int64(2), f.monitor.Count("verify:"+ActionRemoveMember))
}

func TestAddMemberUnverified(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})
	f.remote.HideMember(adminTeam, testMember)
	var started = f.clock.Now()

	res, err := f.pipeline.AddMember(ctx, adminTeam, testMember, "")
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeUnverified, res.Outcome)
	require.Error(t, res.Warning)
	w, ok := errdefs.As(res.Warning)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindUnverified, w.Kind)
	assert.Equal(t, ActionAddMember, w.Operation)
	assert.Equal(t, "absent", w.LastObserved)

	assert.Equal(t, 15*time.Second, f.clock.Now().Sub(started))
	assert.Equal(t, int64(3), f.monitor.Count("verify:"+ActionAddMember))
	assert.Equal(t, 3, f.remote.Calls(transport.OpListGroupMembers))
	assert.Equal(t, []audit.Outcome{audit.OutcomeUnverified}, f.outcomes())
	assert.True(t, errdefs.Recoverable(res.Warning))
}

func TestGrantFallsBackToNotification(t *testing.T) {
	var f = newFixture(t)
	f.remote.AddFile(&directory.File{Id: "F", Name: "Budget"})

	res, err := f.pipeline.GrantPermission(context.Background(), GrantRequest{
		FileId:  "F",
		Subject: "external@gmail.com",
		Role:    directory.RoleReader,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeOK, res.Outcome)
	assert.Equal(t, 2, f.remote.Calls(transport.OpInsertPermission))

	var recs = f.records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0].Details["notify"])
	assert.Equal(t, "notification-required", recs[0].Details["fallback"])
}

func TestGrantWithinDomainDoesNotNotify(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddFile(&directory.File{Id: "F", Name: "Budget"})

	res, err := f.pipeline.GrantPermission(ctx, GrantRequest{FileId: "F", Subject: "bob@example.com", Role: directory.RoleWriter})
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.Calls(transport.OpInsertPermission))
	assert.NotContains(t, res.Details, "fallback")

	res, err = f.pipeline.GrantPermission(ctx, GrantRequest{FileId: "F", Subject: "Bob@example.com", Role: directory.RoleWriter})
	require.NoError(t, err)
	assert.Equal(t, true, res.Details["unchanged"])
	assert.Equal(t, 1, f.remote.Calls(transport.OpInsertPermission))

	_, err = f.pipeline.GrantPermission(ctx, GrantRequest{FileId: "F", Subject: "bob@example.com", Role: directory.RoleReader})
	assert.True(t, errdefs.IsAlreadyExists(err))

	_, err = f.pipeline.GrantPermission(ctx, GrantRequest{FileId: "F", Subject: "carol@example.com", Role: directory.RoleOwner})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestChangeAndRevokePermission(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddFile(&directory.File{Id: "F", Name: "Budget"})
	f.remote.AddPermission("F", &directory.Permission{Id: "p1", Subject: "bob@example.com", Kind: directory.KindUser, Role: directory.RoleReader})

	res, err := f.pipeline.ChangePermissionRole(ctx, "F", "bob@example.com", directory.RoleCommenter)
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Details["permission_id"])
	assert.Equal(t, directory.RoleCommenter, res.Entity.(*directory.Permission).Role)
	assert.Equal(t, 1, f.remote.Calls(transport.OpUpdatePermission))

	_, err = f.pipeline.ChangePermissionRole(ctx, "F", "nobody@example.com", directory.RoleWriter)
	assert.True(t, errdefs.IsNotFound(err))

	for i := 0; i < 2; i++ {
		_, err = f.pipeline.RevokePermission(ctx, "F", "bob@example.com")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.remote.Calls(transport.OpDeletePermission))
	perms, err := transport.Collect(f.remote.ListPermissions(ctx, "F"))
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestOwnerPermissionIsProtected(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddFile(&directory.File{Id: "F", Name: "Budget"})
	f.remote.AddPermission("F", &directory.Permission{Id: "p0", Subject: "owner@example.com", Kind: directory.KindUser, Role: directory.RoleOwner})

	res, err := f.pipeline.ChangePermissionRole(ctx, "F", "owner@example.com", directory.RoleReader)
	e, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindValidation, e.Kind)
	assert.Equal(t, "role", e.Field)
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)

	res, err = f.pipeline.RevokePermission(ctx, "F", "Owner@example.com")
	e, ok = errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindValidation, e.Kind)
	assert.Equal(t, "role", e.Field)
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)

	assert.Zero(t, f.remote.Calls(transport.OpUpdatePermission))
	assert.Zero(t, f.remote.Calls(transport.OpDeletePermission))
	perms, err := transport.Collect(f.remote.ListPermissions(ctx, "F"))
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, directory.RoleOwner, perms[0].Role)
}

func TestAddMemberTwiceIsIdempotent(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})

	first, err := f.pipeline.AddMember(ctx, adminTeam, testMember, directory.MemberMember)
	require.NoError(t, err)
	second, err := f.pipeline.AddMember(ctx, adminTeam, testMember, directory.MemberMember)
	require.NoError(t, err)

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, audit.OutcomeVerified, second.Outcome)
	assert.Equal(t, true, second.Details["already_member"])

	members, err := transport.Collect(f.remote.ListGroupMembers(ctx, adminTeam, transport.ListOptions{}))
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, testMember, members[0].Email)
}

func TestCreateThenDeleteUserRestoresDirectory(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "bob@example.com", GivenName: "Bob", FamilyName: "B"})

	before, err := transport.Collect(f.remote.ListUsers(ctx, transport.ListOptions{}))
	require.NoError(t, err)

	_, err = f.pipeline.CreateUser(ctx, anna())
	require.NoError(t, err)
	res, err := f.pipeline.DeleteUser(ctx, "anna.admin@example.com", WithVerify(true))
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeVerified, res.Outcome)

	after, err := transport.Collect(f.remote.ListUsers(ctx, transport.ListOptions{}))
	require.NoError(t, err)
	assert.Equal(t, userEmails(before), userEmails(after))

	res, err = f.pipeline.DeleteUser(ctx, "anna.admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, true, res.Details["already_absent"])
}

func TestCreateUserEdgePolicies(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	t.Run("unknown unit is not attempted", func(t *testing.T) {
		var req = anna()
		req.OrgUnitPath = "/Nope"
		_, err := f.pipeline.CreateUser(ctx, req)
		e, ok := errdefs.As(err)
		require.True(t, ok)
		assert.Equal(t, errdefs.KindInvalidOrgUnit, e.Kind)
		assert.Equal(t, "/Nope", e.Path)
		assert.Zero(t, f.remote.Calls(transport.OpInsertUser))
	})

	t.Run("existing user is reported distinctly", func(t *testing.T) {
		_, err := f.pipeline.CreateUser(ctx, anna())
		require.NoError(t, err)
		_, err = f.pipeline.CreateUser(ctx, anna())
		assert.True(t, errdefs.IsAlreadyExists(err))
		assert.False(t, errdefs.IsForbidden(err))
	})

	t.Run("generated password stays out of the audit log", func(t *testing.T) {
		var req = anna()
		req.PrimaryEmail = "gen@example.com"
		req.Password = ""
		req.GeneratePassword = true
		res, err := f.pipeline.CreateUser(ctx, req)
		require.NoError(t, err)
		require.NotEmpty(t, res.Password)
		assert.NoError(t, directory.ValidatePassword(res.Password))
		for _, r := range f.records.Records() {
			for _, v := range r.Details {
				assert.NotEqual(t, res.Password, v)
			}
		}
	})

	t.Run("weak password", func(t *testing.T) {
		var req = anna()
		req.PrimaryEmail = "weak@example.com"
		req.Password = "short"
		_, err := f.pipeline.CreateUser(ctx, req)
		assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	})
}

func TestCreateUserInUnitAddedSinceLoad(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	_, err := f.cache.OrgUnits(ctx, cache.Wait)
	require.NoError(t, err)

	f.remote.AddOrgUnit(&directory.OrgUnit{Name: "New", Path: "/HR/New"})
	f.remote.SetFault(func(_ context.Context, op, _ string) error {
		if op == transport.OpListOrgUnits {
			return errdefs.BadRequest("orgunits", "Invalid request")
		}
		return nil
	})

	var req = anna()
	req.OrgUnitPath = "/HR/New"
	res, err := f.pipeline.CreateUser(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeOK, res.Outcome)
	assert.Equal(t, "/HR/New", res.Entity.(*directory.User).OrgUnitPath)
	assert.Equal(t, 1, f.remote.Calls(transport.OpInsertUser))
	assert.Equal(t, 2, f.remote.Calls(transport.OpListOrgUnits))
}

func TestCancelWhileReloadingOrgUnits(t *testing.T) {
	var f = newFixture(t)
	_, err := f.cache.OrgUnits(context.Background(), cache.Wait)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var release = make(chan struct{})
	defer close(release)
	f.remote.SetFault(func(_ context.Context, op, _ string) error {
		if op == transport.OpListOrgUnits {
			cancel()
			<-release
		}
		return nil
	})

	var req = anna()
	req.OrgUnitPath = "/HR/Ghost"
	res, err := f.pipeline.CreateUser(ctx, req)
	require.True(t, errdefs.IsCancelled(err))
	assert.Equal(t, audit.OutcomeCancelled, res.Outcome)
	assert.Equal(t, StepPreflight, res.Details["step"])
	assert.Zero(t, f.remote.Calls(transport.OpInsertUser))
	assert.Equal(t, []audit.Outcome{audit.OutcomeCancelled}, f.outcomes())
}

func TestMoveUserVerifiesPath(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "bob@example.com", GivenName: "Bob", FamilyName: "B"})

	res, err := f.pipeline.MoveUser(ctx, "bob@example.com", "/HR")
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeVerified, res.Outcome)
	u, err := f.remote.GetUser(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "/HR", u.OrgUnitPath)
	assert.Equal(t, "Bob", u.GivenName)

	_, err = f.pipeline.MoveUser(ctx, "bob@example.com", "/Missing")
	assert.Equal(t, errdefs.KindInvalidOrgUnit, errdefs.KindOf(err))
}

func TestSuspendAndUpdateUser(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "bob@example.com", GivenName: "Bob", FamilyName: "B", OrgUnitPath: "/HR"})

	_, err := f.pipeline.SuspendUser(ctx, "bob@example.com", true)
	require.NoError(t, err)
	res, err := f.pipeline.SuspendUser(ctx, "bob@example.com", false, WithVerify(true))
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeVerified, res.Outcome)

	res, err = f.pipeline.UpdateUser(ctx, UpdateUserRequest{PrimaryEmail: "bob@example.com", FamilyName: "Brown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"family_name"}, res.Details["fields"])
	u, err := f.remote.GetUser(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Brown", u.FamilyName)
	assert.Equal(t, "/HR", u.OrgUnitPath)
	assert.False(t, u.Suspended)

	_, err = f.pipeline.UpdateUser(ctx, UpdateUserRequest{PrimaryEmail: "nobody@example.com", GivenName: "N"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUpdateUserDomainMismatch(t *testing.T) {
	var f = newFixture(t)
	var calls = f.countCalls()

	res, err := f.pipeline.UpdateUser(context.Background(), UpdateUserRequest{PrimaryEmail: "bob@other.com", GivenName: "Bob"})
	e, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindDomainMismatch, e.Kind)
	assert.Equal(t, "example.com", e.Expected)
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)
	assert.Zero(t, calls.Load())
}

func TestGroupsAndOrgUnits(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddUser(&directory.User{PrimaryEmail: "bob@example.com", GivenName: "Bob", FamilyName: "B"})
	_, err := f.cache.Users(ctx, cache.Wait)
	require.NoError(t, err)

	_, err = f.pipeline.CreateGroup(ctx, GroupRequest{Email: "bob@example.com", Name: "Bob"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	assert.Zero(t, f.remote.Calls(transport.OpInsertGroup))

	res, err := f.pipeline.CreateGroup(ctx, GroupRequest{Email: "team@example.com", Name: "Team"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Details["id"])

	for i := 0; i < 2; i++ {
		_, err = f.pipeline.DeleteGroup(ctx, "team@example.com")
		require.NoError(t, err)
	}

	res, err = f.pipeline.CreateOrgUnit(ctx, "/HR", "Payroll", "")
	require.NoError(t, err)
	assert.Equal(t, "/HR/Payroll", res.Entity.(*directory.OrgUnit).Path)
	exists, err := f.cache.OrgUnitExists(ctx, "/HR/Payroll")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = f.pipeline.CreateOrgUnit(ctx, "/Missing", "Child", "")
	e, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindInvalidOrgUnit, e.Kind)
	assert.Equal(t, "/Missing", e.Path)
}

func TestSendNotice(t *testing.T) {
	var f = newFixture(t)
	res, err := f.pipeline.SendNotice(context.Background(), &directory.Message{
		To:      []string{"bob@example.com", "carol@example.com"},
		Subject: "Maintenance",
		Body:    "Tonight.",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Details["recipients"])
	assert.NotEmpty(t, res.Details["message_id"])
	assert.Len(t, f.remote.Sent(), 1)

	_, err = f.pipeline.SendNotice(context.Background(), &directory.Message{Subject: "Nobody"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	res, err = f.pipeline.SendNotice(context.Background(), nil)
	e, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, errdefs.KindValidation, e.Kind)
	assert.Equal(t, "message", e.Field)
	assert.Equal(t, audit.OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, f.remote.Calls(transport.OpSendMessage))
	assert.Len(t, f.records.Records(), 3)
}

func TestEveryOperationWritesOneRecord(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})

	var results []*Result
	var collect = func(res *Result, _ error) { results = append(results, res) }
	collect(f.pipeline.CreateUser(ctx, anna()))
	collect(f.pipeline.CreateUser(ctx, anna()))
	collect(f.pipeline.AddMember(ctx, adminTeam, "anna.admin@example.com", "", WithVerify(false)))
	collect(f.pipeline.RemoveMember(ctx, adminTeam, "anna.admin@example.com"))
	collect(f.pipeline.MoveUser(ctx, "anna.admin@example.com", "bad path"))
	collect(f.pipeline.DeleteUser(ctx, "anna.admin@example.com"))

	var recs = f.records.Records()
	require.Len(t, recs, len(results))
	for i, res := range results {
		assert.Equal(t, res.AuditID, recs[i].ID)
		assert.Equal(t, res.Outcome, recs[i].Outcome)
	}
	assert.Equal(t, []audit.Outcome{
		audit.OutcomeOK,
		audit.OutcomeFailed,
		audit.OutcomeOK,
		audit.OutcomeVerified,
		audit.OutcomeFailed,
		audit.OutcomeOK,
	}, f.outcomes())
	assert.Len(t, f.monitor.Recent(), len(results)+1)
}

// blockInsert parks the first insert_group_member attempt until release is
// closed.
func blockInsert(f *fixture) (entered, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.remote.SetFault(func(_ context.Context, op, _ string) error {
		if op != transport.OpInsertGroupMember {
			return nil
		}
		var first bool
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
		return nil
	})
	return
}

func TestSameKeyIsSerialized(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})
	entered, release := blockInsert(f)

	var wg sync.WaitGroup
	var errs = make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = f.pipeline.AddMember(ctx, adminTeam, testMember, "", WithVerify(false))
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = f.pipeline.AddMember(ctx, adminTeam, testMember, "", WithVerify(false))
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.remote.Calls(transport.OpInsertGroupMember))

	// a different key is not held up
	_, err := f.pipeline.RemoveMember(ctx, adminTeam, "other@example.com", WithVerify(false))
	require.NoError(t, err)

	close(release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 2, f.remote.Calls(transport.OpInsertGroupMember))
}

func TestKeyLocksForgetReleasedKeys(t *testing.T) {
	var kl = newKeyLocks()
	unlock, err := kl.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = kl.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Empty(t, kl.locks)

	unlock, err = kl.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, kl.locks)
}

func TestCancelWhileWaitingForLock(t *testing.T) {
	var f = newFixture(t)
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})
	entered, release := blockInsert(f)

	var done = make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.pipeline.AddMember(context.Background(), adminTeam, testMember, "", WithVerify(false))
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := f.pipeline.AddMember(ctx, adminTeam, testMember, "")
	require.True(t, errdefs.IsCancelled(err))
	assert.Equal(t, audit.OutcomeCancelled, res.Outcome)
	assert.Equal(t, StepLock, res.Details["step"])

	close(release)
	<-done
	assert.Equal(t, 1, f.remote.Calls(transport.OpInsertGroupMember))
}

func TestCancelDuringVerification(t *testing.T) {
	var f = newFixture(t)
	f.remote.AddGroup(&directory.Group{Email: adminTeam, Name: "Admin team"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.remote.SetFault(func(_ context.Context, op, _ string) error {
		if op == transport.OpInsertGroupMember {
			cancel()
		}
		return nil
	})

	res, err := f.pipeline.AddMember(ctx, adminTeam, testMember, "")
	require.True(t, errdefs.IsCancelled(err))
	assert.Equal(t, audit.OutcomeCancelled, res.Outcome)
	assert.Equal(t, StepVerify, res.Details["step"])

	members, err := transport.Collect(f.remote.ListGroupMembers(context.Background(), adminTeam, transport.ListOptions{}))
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Equal(t, []audit.Outcome{audit.OutcomeCancelled}, f.outcomes())
}
