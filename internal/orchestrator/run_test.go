package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/policy"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/tracker"
	"github.com/basket/taskbridge/internal/workspace"
)

// fakeWorkspace hands out a worktree rooted in a temp dir and records the git
// operations the orchestrator asks for.
type fakeWorkspace struct {
	root    string
	changed []string

	commits []string
	pushed  bool
	removed bool
}

func (f *fakeWorkspace) EnsureRepo(ctx context.Context, cloneURL, owner, repo, defaultBranch string) (string, error) {
	return f.root, nil
}

func (f *fakeWorkspace) CreateWorktree(ctx context.Context, repoPath, taskID, runID string) (*workspace.Worktree, error) {
	return &workspace.Worktree{Path: f.root, Branch: workspace.BranchPrefix + taskID, RepoPath: repoPath}, nil
}

func (f *fakeWorkspace) RemoveWorktree(ctx context.Context, wt *workspace.Worktree) error {
	f.removed = true
	return nil
}

func (f *fakeWorkspace) ChangedFiles(ctx context.Context, wt *workspace.Worktree) ([]string, error) {
	return f.changed, nil
}

func (f *fakeWorkspace) CommitAll(ctx context.Context, wt *workspace.Worktree, message string) error {
	f.commits = append(f.commits, message)
	return nil
}

func (f *fakeWorkspace) HeadSHA(ctx context.Context, wt *workspace.Worktree) (string, error) {
	return "abc123", nil
}

func (f *fakeWorkspace) Push(ctx context.Context, wt *workspace.Worktree, owner, repo, token string) error {
	f.pushed = true
	return nil
}

type prCall struct {
	owner, repo, title, head, base string
}

type fakeSCM struct {
	prNumber int
	prCalls  []prCall
}

func (f *fakeSCM) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*scm.Issue, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSCM) CloseIssue(ctx context.Context, owner, repo string, number int, notPlanned bool) error {
	return errors.New("not implemented")
}

func (f *fakeSCM) ReopenIssue(ctx context.Context, owner, repo string, number int) error {
	return errors.New("not implemented")
}

func (f *fakeSCM) AddIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}

func (f *fakeSCM) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}

func (f *fakeSCM) ListWebhooks(ctx context.Context, owner, repo string) ([]scm.WebhookInfo, error) {
	return nil, nil
}

func (f *fakeSCM) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]scm.CheckRun, error) {
	return nil, nil
}

func (f *fakeSCM) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*scm.PullRequest, error) {
	f.prCalls = append(f.prCalls, prCall{owner: owner, repo: repo, title: title, head: head, base: base})
	return &scm.PullRequest{Number: f.prNumber, HTMLURL: "https://github.test/acme/web/pull/12"}, nil
}

func (f *fakeSCM) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

type fakeTracker struct {
	comments []string
}

func (f *fakeTracker) GetTask(ctx context.Context, taskGID string) (*tracker.TaskSnapshot, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTracker) CompleteTask(ctx context.Context, taskGID string) error {
	return errors.New("not implemented")
}

func (f *fakeTracker) AddComment(ctx context.Context, taskGID, text string) error {
	f.comments = append(f.comments, text)
	return nil
}

func (f *fakeTracker) CreateTask(ctx context.Context, projectGID, name, notes string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeTracker) GetField(ctx context.Context, fieldGID string) (*tracker.Field, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTracker) AddEnumOption(ctx context.Context, fieldGID, name string) (*tracker.FieldOption, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTracker) SetFieldValue(ctx context.Context, taskGID, fieldGID string, value any) error {
	return errors.New("not implemented")
}

func (f *fakeTracker) CreateWebhook(ctx context.Context, resourceGID, targetURL string) error {
	return errors.New("not implemented")
}

// seedRunnableTask walks a task to ISSUE_CREATED with an attached issue and a
// stored spec, the exact state Run picks up from.
func seedRunnableTask(t *testing.T, store *persistence.Store) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertProject(ctx, persistence.Project{ID: "p1", Name: "P1", TrackerProjectID: "tp1"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	task, err := store.UpsertTask(ctx, "p1", "ext-9", "Add health endpoint")
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := store.InsertTaskSpec(ctx, task.ID, "# Task\n\nAdd a /healthz endpoint returning 200."); err != nil {
		t.Fatalf("seed spec: %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusSpecCreated, "spec.created", "", "{}"); err != nil {
		t.Fatalf("to spec created: %v", err)
	}
	if err := store.AttachIssue(ctx, task.ID, "acme", "web", 7, "https://github.test/acme/web/issues/7"); err != nil {
		t.Fatalf("attach issue: %v", err)
	}
	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusIssueCreated, "issue.created", "", "{}"); err != nil {
		t.Fatalf("to issue created: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	return got
}

func agentEchoConfig() config.Config {
	return config.Config{
		LogMode: config.LogModeFull,
		Agent: config.AgentConfig{
			Command:          "echo",
			TokenEnv:         "TB_TEST_PUSH_TOKEN",
			HeartbeatSeconds: 60,
			IdleTimeoutSecs:  60,
			RunTimeoutSecs:   60,
		},
	}
}

func taskEventKinds(t *testing.T, store *persistence.Store, taskID string) []string {
	t.Helper()
	events, err := store.ListTaskEvents(context.Background(), taskID, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestRunAgent_CleanExitReportsSuccess(t *testing.T) {
	store := openTestStore(t)
	run := seedRun(t, store)
	logw := newRunLogWriter(store, run.ID, config.LogModeFull, nil)
	cfg := agentEchoConfig().Agent

	err := runAgent(context.Background(), cfg, t.TempDir(), "hello agent", logw)
	if err != nil {
		t.Fatalf("clean agent exit must not error, got %v", err)
	}

	logs := runLogLines(t, store, run.ID)
	var sawOutput bool
	for _, l := range logs {
		if strings.Contains(l.Line, "hello agent") {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatal("agent stdout never reached the run log")
	}
}

func TestRunAgent_IdleTimeoutKillsQuietAgent(t *testing.T) {
	store := openTestStore(t)
	run := seedRun(t, store)
	logw := newRunLogWriter(store, run.ID, config.LogModeFull, nil)

	script := filepath.Join(t.TempDir(), "quiet-agent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := config.AgentConfig{Command: script, HeartbeatSeconds: 60, IdleTimeoutSecs: 1, RunTimeoutSecs: 60}

	err := runAgent(context.Background(), cfg, t.TempDir(), "do nothing", logw)
	if !errors.Is(err, errIdleTimeout) {
		t.Fatalf("expected idle timeout, got %v", err)
	}
}

func TestRunAgent_OverallTimeout(t *testing.T) {
	store := openTestStore(t)
	run := seedRun(t, store)
	logw := newRunLogWriter(store, run.ID, config.LogModeFull, nil)

	script := filepath.Join(t.TempDir(), "slow-agent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nwhile true; do echo tick; sleep 0.2; done\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := config.AgentConfig{Command: script, HeartbeatSeconds: 60, IdleTimeoutSecs: 60, RunTimeoutSecs: 1}

	err := runAgent(context.Background(), cfg, t.TempDir(), "loop forever", logw)
	if !errors.Is(err, errRunTimeout) {
		t.Fatalf("expected run timeout, got %v", err)
	}
}

func TestRunAgent_ExternalCancel(t *testing.T) {
	store := openTestStore(t)
	run := seedRun(t, store)
	logw := newRunLogWriter(store, run.ID, config.LogModeFull, nil)

	script := filepath.Join(t.TempDir(), "slow-agent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := config.AgentConfig{Command: script, HeartbeatSeconds: 60, IdleTimeoutSecs: 60, RunTimeoutSecs: 60}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	err := runAgent(ctx, cfg, t.TempDir(), "wait around", logw)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_OpensPullRequestAndComments(t *testing.T) {
	store := openTestStore(t)
	task := seedRunnableTask(t, store)
	t.Setenv("TB_TEST_PUSH_TOKEN", "push-token")

	ws := &fakeWorkspace{root: t.TempDir(), changed: []string{"internal/api/health.go"}}
	scmClient := &fakeSCM{prNumber: 12}
	trackerClient := &fakeTracker{}
	o := New(store, scmClient, trackerClient, ws, policy.New(10, nil), agentEchoConfig())

	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.Status != persistence.TaskStatusPRCreated {
		t.Fatalf("expected PR_CREATED, got %s (last error %q)", got.Status, got.LastError)
	}
	if got.PRNumber != 12 {
		t.Fatalf("expected PR #12 attached, got %d", got.PRNumber)
	}
	if got.CIHeadSHA != "abc123" {
		t.Fatalf("expected pushed head recorded, got %q", got.CIHeadSHA)
	}

	if len(scmClient.prCalls) != 1 {
		t.Fatalf("expected one PR creation, got %d", len(scmClient.prCalls))
	}
	pr := scmClient.prCalls[0]
	if pr.owner != "acme" || pr.repo != "web" || pr.base != "main" {
		t.Fatalf("PR opened against wrong target: %+v", pr)
	}
	if !strings.HasPrefix(pr.head, workspace.BranchPrefix) {
		t.Fatalf("expected run branch head, got %q", pr.head)
	}

	if len(ws.commits) != 1 || !strings.Contains(ws.commits[0], "Closes #7") {
		t.Fatalf("expected one commit closing the issue, got %v", ws.commits)
	}
	if !ws.pushed {
		t.Fatal("branch never pushed")
	}
	if !ws.removed {
		t.Fatal("worktree never cleaned up")
	}

	if len(trackerClient.comments) != 1 || !strings.Contains(trackerClient.comments[0], "Pull request opened") {
		t.Fatalf("expected linkback comment, got %v", trackerClient.comments)
	}
	kinds := taskEventKinds(t, store, task.ID)
	for _, want := range []string{"pr.created", "tracker.comment_posted"} {
		found := false
		for _, k := range kinds {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s event, got %v", want, kinds)
		}
	}
}

func TestRun_PolicyViolationFailsWithoutPush(t *testing.T) {
	store := openTestStore(t)
	task := seedRunnableTask(t, store)
	t.Setenv("TB_TEST_PUSH_TOKEN", "push-token")

	ws := &fakeWorkspace{root: t.TempDir(), changed: []string{"internal/api/health.go", ".github/workflows/ci.yml"}}
	scmClient := &fakeSCM{prNumber: 12}
	o := New(store, scmClient, &fakeTracker{}, ws, policy.New(10, []string{".github/**"}), agentEchoConfig())

	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.LastError, "policy violation") {
		t.Fatalf("expected policy violation recorded, got %q", got.LastError)
	}
	if len(ws.commits) != 0 || ws.pushed {
		t.Fatalf("rejected changes must never be committed or pushed (commits %v, pushed %v)", ws.commits, ws.pushed)
	}
	if len(scmClient.prCalls) != 0 {
		t.Fatal("no PR may be opened for rejected changes")
	}
}

func TestRun_TooManyChangedFilesFails(t *testing.T) {
	store := openTestStore(t)
	task := seedRunnableTask(t, store)
	t.Setenv("TB_TEST_PUSH_TOKEN", "push-token")

	ws := &fakeWorkspace{root: t.TempDir(), changed: []string{"a.go", "b.go", "c.go"}}
	o := New(store, &fakeSCM{}, &fakeTracker{}, ws, policy.New(2, nil), agentEchoConfig())

	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if len(ws.commits) != 0 || ws.pushed {
		t.Fatal("oversized change sets must never reach the remote")
	}
}

func TestRun_NoChangesFailsRun(t *testing.T) {
	store := openTestStore(t)
	task := seedRunnableTask(t, store)
	t.Setenv("TB_TEST_PUSH_TOKEN", "push-token")

	ws := &fakeWorkspace{root: t.TempDir()}
	scmClient := &fakeSCM{}
	o := New(store, scmClient, &fakeTracker{}, ws, policy.New(10, nil), agentEchoConfig())

	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.LastError, "no changes") {
		t.Fatalf("expected no-changes diagnostic, got %q", got.LastError)
	}
	if len(scmClient.prCalls) != 0 {
		t.Fatal("an empty run must not open a PR")
	}
}

func TestRun_MissingPushTokenFailsTask(t *testing.T) {
	store := openTestStore(t)
	task := seedRunnableTask(t, store)
	t.Setenv("TB_TEST_PUSH_TOKEN", "")

	o := New(store, &fakeSCM{}, &fakeTracker{}, &fakeWorkspace{root: t.TempDir()}, policy.New(10, nil), agentEchoConfig())

	if err := o.Run(context.Background(), task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.LastError, "push token") {
		t.Fatalf("expected token diagnostic, got %q", got.LastError)
	}
}

func TestRun_SkipsTasksNotReadyForAnAgent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.UpsertProject(ctx, persistence.Project{ID: "p1", Name: "P1", TrackerProjectID: "tp1"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	task, err := store.UpsertTask(ctx, "p1", "ext-2", "Still being specced")
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	ws := &fakeWorkspace{root: t.TempDir()}
	o := New(store, &fakeSCM{}, &fakeTracker{}, ws, policy.New(10, nil), agentEchoConfig())
	if err := o.Run(ctx, task.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusReceived {
		t.Fatalf("a RECEIVED task must be left alone, got %s", got.Status)
	}
}
