package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/communityfund/ngo-portal/internal/identity"
	"github.com/communityfund/ngo-portal/internal/rbac"
	"github.com/communityfund/ngo-portal/jobs"
)

type stubAdmin struct {
	records map[string]identity.Record
	err     error
	roleIn  identity.AssignRoleInput
	grantIn identity.GrantPermissionsInput
}

func (s *stubAdmin) BootstrapAdmin(ctx context.Context, targetID string) (identity.Record, error) {
	if s.err != nil {
		return identity.Record{}, s.err
	}
	rec, ok := s.records[targetID]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	rec.Role = rbac.RoleAdmin
	return rec, nil
}

func (s *stubAdmin) AssignRole(ctx context.Context, in identity.AssignRoleInput) (identity.Record, error) {
	s.roleIn = in
	if s.err != nil {
		return identity.Record{}, s.err
	}
	return identity.Record{ExternalID: in.TargetID, Role: in.Role}, nil
}

func (s *stubAdmin) GrantPermissions(ctx context.Context, in identity.GrantPermissionsInput) (identity.Record, error) {
	s.grantIn = in
	if s.err != nil {
		return identity.Record{}, s.err
	}
	return identity.Record{ExternalID: in.TargetID, Role: rbac.RoleVisitor, Permissions: in.Permissions}, nil
}

func (s *stubAdmin) Get(ctx context.Context, externalID string) (identity.Record, error) {
	rec, ok := s.records[externalID]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	return rec, nil
}

func newAccess(t *testing.T, admin *stubAdmin) *AccessCLI {
	t.Helper()
	c, err := NewAccessCLI(admin)
	require.NoError(t, err)
	return c
}

func TestBootstrapCommandJSON(t *testing.T) {
	admin := &stubAdmin{records: map[string]identity.Record{"u-1": {ExternalID: "u-1", Role: rbac.RoleVisitor}}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := newAccess(t, admin).BootstrapCommand(context.Background(), AccessOptions{
		TargetID: " u-1 ", JSONOutput: true, Stdout: stdout, Stderr: stderr,
	})
	require.Equal(t, ExitOK, code)
	require.Empty(t, stderr.String())

	var summary AccessSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, "u-1", summary.ExternalID)
	require.Equal(t, "admin", summary.Role)
	require.Contains(t, summary.Effective, "users_manage")
}

func TestBootstrapCommandClosed(t *testing.T) {
	admin := &stubAdmin{err: identity.ErrBootstrapClosed}
	stderr := new(bytes.Buffer)
	code := newAccess(t, admin).BootstrapCommand(context.Background(), AccessOptions{
		TargetID: "u-1", Stdout: new(bytes.Buffer), Stderr: stderr,
	})
	require.Equal(t, ExitForbidden, code)
	require.Contains(t, stderr.String(), "bootstrap closed")
}

func TestGrantRoleCommandRejectsUnknownRole(t *testing.T) {
	admin := &stubAdmin{}
	stderr := new(bytes.Buffer)
	code := newAccess(t, admin).GrantRoleCommand(context.Background(), AccessOptions{
		ActorID: "root", TargetID: "u-1", Role: "Admin", Stdout: new(bytes.Buffer), Stderr: stderr,
	})
	require.Equal(t, ExitUsage, code)
	require.Contains(t, stderr.String(), "unknown role")
	require.Empty(t, admin.roleIn.TargetID)
}

func TestGrantRoleCommandHuman(t *testing.T) {
	admin := &stubAdmin{}
	stdout := new(bytes.Buffer)
	code := newAccess(t, admin).GrantRoleCommand(context.Background(), AccessOptions{
		ActorID: "root", TargetID: "u-2", Role: "manager", Stdout: stdout, Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitOK, code)
	require.Equal(t, rbac.RoleManager, admin.roleIn.Role)
	require.Equal(t, "root", admin.roleIn.ActorID)
	require.Contains(t, stdout.String(), "u-2 role=manager")
	require.Contains(t, stdout.String(), "donations_manage")
}

func TestGrantRoleCommandForbidden(t *testing.T) {
	admin := &stubAdmin{err: identity.ErrForbidden}
	code := newAccess(t, admin).GrantRoleCommand(context.Background(), AccessOptions{
		ActorID: "nobody", TargetID: "u-2", Role: "manager", Stdout: new(bytes.Buffer), Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitForbidden, code)
}

func TestGrantPermissionCommandSplitsValues(t *testing.T) {
	admin := &stubAdmin{}
	stdout := new(bytes.Buffer)
	code := newAccess(t, admin).GrantPermissionCommand(context.Background(), AccessOptions{
		ActorID:     "root",
		TargetID:    "u-3",
		Permissions: []string{"analytics_view, donations_view", "blog_edit"},
		Stdout:      stdout,
		Stderr:      new(bytes.Buffer),
	})
	require.Equal(t, ExitOK, code)
	require.Equal(t, []rbac.Permission{rbac.PermAnalyticsView, rbac.PermDonationsView, rbac.PermBlogEdit}, admin.grantIn.Permissions)
	require.Contains(t, stdout.String(), "granted: analytics_view, donations_view, blog_edit")
}

func TestParsePermissionListErrors(t *testing.T) {
	_, err := ParsePermissionList(nil)
	require.Error(t, err)

	_, err = ParsePermissionList([]string{"donations_view,fly"})
	require.ErrorContains(t, err, `"fly"`)
}

func TestShowCommandNotFound(t *testing.T) {
	admin := &stubAdmin{records: map[string]identity.Record{}}
	code := newAccess(t, admin).ShowCommand(context.Background(), AccessOptions{
		TargetID: "ghost", Stdout: new(bytes.Buffer), Stderr: new(bytes.Buffer),
	})
	require.Equal(t, ExitNotFound, code)
}

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	queues []string
	infos  map[string]*asynq.QueueInfo
}

func (s stubInspector) Queues() ([]string, error) { return s.queues, nil }

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.infos[queue], nil
}

func TestJobsTrigger(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}

	info, err := c.Trigger(context.Background(), jobs.TaskDonationStatsWarmup)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskDonationStatsWarmup, info.Type)

	_, err = c.Trigger(context.Background(), jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Len(t, enq.tasks, 2)

	_, err = c.Trigger(context.Background(), jobs.TaskDonationReceipt)
	require.ErrorContains(t, err, "unsupported job")
}

func TestJobsInspectQueues(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{
		queues: []string{jobs.QueueMail},
		infos:  map[string]*asynq.QueueInfo{jobs.QueueMail: {Queue: jobs.QueueMail, Pending: 3, Retry: 1}},
	}}
	stats, err := c.InspectQueues(context.Background())
	require.NoError(t, err)
	require.Equal(t, []QueueStats{
		{Queue: jobs.QueueDefault},
		{Queue: jobs.QueueMail, Pending: 3, Retry: 1},
	}, stats)
}
