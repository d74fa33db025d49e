package console

import (
	"context"
	"fmt"
	"strings"

	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
	"keepersecurity.com/gws-admin/pipeline"
)

const (
	TaskAddMember    = "add_member"
	TaskRemoveMember = "remove_member"
	TaskSuspendUser  = "suspend_user"
	TaskResumeUser   = "resume_user"
	TaskMoveUser     = "move_user"
)

// Task is one queued directory change. The Cloud Function receives tasks over
// Pub/Sub; the CLI reads them from a file.
type Task struct {
	Op      string `json:"op" yaml:"op"`
	Group   string `json:"group,omitempty" yaml:"group,omitempty"`
	Member  string `json:"member,omitempty" yaml:"member,omitempty"`
	Role    string `json:"role,omitempty" yaml:"role,omitempty"`
	User    string `json:"user,omitempty" yaml:"user,omitempty"`
	OrgUnit string `json:"org_unit,omitempty" yaml:"org_unit,omitempty"`
	// Verify overrides the operation's verification default.
	Verify *bool `json:"verify,omitempty" yaml:"verify,omitempty"`
}

func (t Task) String() string {
	switch t.Op {
	case TaskAddMember, TaskRemoveMember:
		return fmt.Sprintf("%s %s -> %s", t.Op, t.Member, t.Group)
	case TaskMoveUser:
		return fmt.Sprintf("%s %s -> %s", t.Op, t.User, t.OrgUnit)
	}
	return t.Op + " " + t.User
}

type TaskResult struct {
	Task   Task
	Result *pipeline.Result
	Err    error
}

func (c *Console) RunTask(ctx context.Context, t Task) (*pipeline.Result, error) {
	var opts []pipeline.CallOption
	if t.Verify != nil {
		opts = append(opts, pipeline.WithVerify(*t.Verify))
	}
	switch t.Op {
	case TaskAddMember:
		return c.Pipeline.AddMember(ctx, t.Group, t.Member, directory.MemberRole(strings.ToUpper(t.Role)), opts...)
	case TaskRemoveMember:
		return c.Pipeline.RemoveMember(ctx, t.Group, t.Member, opts...)
	case TaskSuspendUser:
		return c.Pipeline.SuspendUser(ctx, t.User, true, opts...)
	case TaskResumeUser:
		return c.Pipeline.SuspendUser(ctx, t.User, false, opts...)
	case TaskMoveUser:
		return c.Pipeline.MoveUser(ctx, t.User, t.OrgUnit, opts...)
	}
	return nil, errdefs.Validation("op", fmt.Sprintf("unsupported task %q", t.Op))
}

// RunTasks runs tasks in order. A failed task does not stop the batch; a
// cancelled one does.
func (c *Console) RunTasks(ctx context.Context, tasks []Task) (results []TaskResult) {
	for _, t := range tasks {
		res, err := c.RunTask(ctx, t)
		results = append(results, TaskResult{Task: t, Result: res, Err: err})
		if errdefs.IsCancelled(err) || ctx.Err() != nil {
			break
		}
	}
	return
}
