package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/tracker"
)

type fakeTracker struct {
	mu        sync.Mutex
	tasks     map[string]*tracker.TaskSnapshot
	getCalls  int
	comments  []string
	completed []string

	completeErr error
	commentErr  error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tasks: map[string]*tracker.TaskSnapshot{}}
}

func (f *fakeTracker) GetTask(ctx context.Context, taskGID string) (*tracker.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	snap, ok := f.tasks[taskGID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskGID)
	}
	copied := *snap
	return &copied, nil
}

func (f *fakeTracker) CompleteTask(ctx context.Context, taskGID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, taskGID)
	return nil
}

func (f *fakeTracker) AddComment(ctx context.Context, taskGID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, taskGID+": "+text)
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
	return nil
}

func (f *fakeTracker) CreateWebhook(ctx context.Context, resourceGID, targetURL string) error {
	return nil
}

type createdIssue struct {
	Owner, Repo, Title, Body string
	Labels                   []string
}

type fakeSCM struct {
	mu         sync.Mutex
	nextIssue  int
	issues     []createdIssue
	closed     []int
	notPlanned []bool
	reopened   []int
	comments   []string
	checkRuns  map[string][]scm.CheckRun

	createIssueErr error
}

func newFakeSCM() *fakeSCM {
	return &fakeSCM{nextIssue: 42, checkRuns: map[string][]scm.CheckRun{}}
}

func (f *fakeSCM) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*scm.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createIssueErr != nil {
		return nil, f.createIssueErr
	}
	n := f.nextIssue
	f.nextIssue++
	f.issues = append(f.issues, createdIssue{Owner: owner, Repo: repo, Title: title, Body: body, Labels: labels})
	return &scm.Issue{Number: n, HTMLURL: fmt.Sprintf("https://scm.example/%s/%s/issues/%d", owner, repo, n)}, nil
}

func (f *fakeSCM) CloseIssue(ctx context.Context, owner, repo string, number int, notPlanned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	f.notPlanned = append(f.notPlanned, notPlanned)
	return nil
}

func (f *fakeSCM) ReopenIssue(ctx context.Context, owner, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, number)
	return nil
}

func (f *fakeSCM) AddIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, fmt.Sprintf("%s/%s#%d: %s", owner, repo, number, body))
	return nil
}

func (f *fakeSCM) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return nil
}

func (f *fakeSCM) ListWebhooks(ctx context.Context, owner, repo string) ([]scm.WebhookInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSCM) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]scm.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkRuns[sha], nil
}

func (f *fakeSCM) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*scm.PullRequest, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSCM) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}

type fixture struct {
	store   *persistence.Store
	tracker *fakeTracker
	scm     *fakeSCM
	project *persistence.Project
}

func newFixture(t *testing.T, mode config.ExecutionMode) (*fixture, *pipeline.Pipeline) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbridge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	project := persistence.Project{ID: "p1", Name: "Test", TrackerProjectID: "tp-1"}
	if err := store.UpsertProject(ctx, project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := store.SetProjectRepos(ctx, "p1", [][2]string{{"acme", "web"}}); err != nil {
		t.Fatalf("seed repos: %v", err)
	}
	for kind, gid := range map[string]string{"auto": "f-auto", "repo": "f-repo", "status": "f-status"} {
		if err := store.SetFieldMapping(ctx, "p1", kind, gid); err != nil {
			t.Fatalf("seed mapping %s: %v", kind, err)
		}
	}
	if err := store.SetStatusMapping(ctx, "p1", "opt-cancelled", "CANCELLED"); err != nil {
		t.Fatalf("seed status mapping: %v", err)
	}
	if err := store.SetStatusMapping(ctx, "p1", "opt-blocked", "BLOCKED"); err != nil {
		t.Fatalf("seed status mapping: %v", err)
	}

	f := &fixture{store: store, tracker: newFakeTracker(), scm: newFakeSCM(), project: &project}
	return f, pipeline.New(store, f.tracker, f.scm, mode)
}

func boolPtr(b bool) *bool { return &b }

// readySnapshot is a task with automation on and a configured repo.
func readySnapshot(gid string) *tracker.TaskSnapshot {
	return &tracker.TaskSnapshot{
		GID:       gid,
		Name:      "Add health endpoint",
		Notes:     "Expose /healthz with a db probe.",
		Permalink: "https://tracker.example/" + gid,
		Fields: []tracker.FieldValue{
			{FieldGID: "f-auto", Type: "checkbox", Checked: boolPtr(true)},
			{FieldGID: "f-repo", Type: "text", Text: "acme/web"},
		},
	}
}

func (f *fixture) taskByExternalID(t *testing.T, gid string) *persistence.Task {
	t.Helper()
	task, err := f.store.UpsertTask(context.Background(), "p1", gid, "")
	if err != nil {
		t.Fatalf("load task %s: %v", gid, err)
	}
	return task
}

func TestProcessTask_AutomationOffParksTask(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()

	snap := readySnapshot("100")
	snap.Fields[0].Checked = boolPtr(false)
	f.tracker.tasks["100"] = snap

	if err := p.ProcessTask(ctx, f.project, "100"); err != nil {
		t.Fatalf("process: %v", err)
	}

	task := f.taskByExternalID(t, "100")
	if task.Status != persistence.TaskStatusAutoDisabled {
		t.Fatalf("expected AUTO_DISABLED, got %s", task.Status)
	}
	if len(f.scm.issues) != 0 {
		t.Fatal("expected no SCM calls for a gated task")
	}
}

func TestProcessTask_UnmappedRepoParksTask(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()

	snap := readySnapshot("101")
	snap.Fields[1].Text = "acme/unknown"
	f.tracker.tasks["101"] = snap

	if err := p.ProcessTask(ctx, f.project, "101"); err != nil {
		t.Fatalf("process: %v", err)
	}

	task := f.taskByExternalID(t, "101")
	if task.Status != persistence.TaskStatusNeedsRepo {
		t.Fatalf("expected NEEDS_REPO, got %s", task.Status)
	}
	if len(f.scm.issues) != 0 {
		t.Fatal("expected no issue for unresolved repo")
	}
}

func TestProcessTask_AgentModeCreatesIssueAndEnqueues(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()
	f.tracker.tasks["102"] = readySnapshot("102")

	if err := p.ProcessTask(ctx, f.project, "102"); err != nil {
		t.Fatalf("process: %v", err)
	}

	task := f.taskByExternalID(t, "102")
	if task.Status != persistence.TaskStatusIssueCreated {
		t.Fatalf("expected ISSUE_CREATED, got %s", task.Status)
	}
	if task.IssueNumber != 42 || task.RepoOwner != "acme" || task.RepoName != "web" {
		t.Fatalf("unexpected issue binding %+v", task)
	}

	if len(f.scm.issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(f.scm.issues))
	}
	issue := f.scm.issues[0]
	if issue.Title != "Add health endpoint" {
		t.Fatalf("unexpected issue title %q", issue.Title)
	}
	if !strings.Contains(issue.Body, "Expose /healthz") || !strings.Contains(issue.Body, "https://tracker.example/102") {
		t.Fatalf("issue body missing spec content: %q", issue.Body)
	}

	job, err := f.store.ClaimNextJob(ctx, "w", []string{persistence.JobKindAgentRun})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || !strings.Contains(job.Payload, task.ID) {
		t.Fatalf("expected queued agent.run for task, got %+v", job)
	}

	if len(f.tracker.comments) != 1 || !strings.Contains(f.tracker.comments[0], "Issue created") {
		t.Fatalf("expected tracker back-link comment, got %v", f.tracker.comments)
	}
}

func TestProcessTask_CommentModePostsTrigger(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeComment)
	ctx := context.Background()
	f.tracker.tasks["103"] = readySnapshot("103")

	if err := p.ProcessTask(ctx, f.project, "103"); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(f.scm.comments) != 1 || !strings.Contains(f.scm.comments[0], "/agent run") {
		t.Fatalf("expected trigger comment, got %v", f.scm.comments)
	}
	if count, _ := f.store.PendingJobCount(ctx); count != 0 {
		t.Fatalf("comment mode must not enqueue jobs, got %d pending", count)
	}
}

func TestProcessTask_Idempotent(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()
	f.tracker.tasks["104"] = readySnapshot("104")

	if err := p.ProcessTask(ctx, f.project, "104"); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := p.ProcessTask(ctx, f.project, "104"); err != nil {
		t.Fatalf("second process: %v", err)
	}

	if len(f.scm.issues) != 1 {
		t.Fatalf("expected exactly 1 issue after reprocessing, got %d", len(f.scm.issues))
	}
	task := f.taskByExternalID(t, "104")
	count, err := f.store.SpecVersionCount(ctx, task.ID)
	if err != nil {
		t.Fatalf("spec count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 spec version after reprocessing, got %d", count)
	}
}

func TestProcessTask_CancelledStatusClosesIssue(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()
	f.tracker.tasks["105"] = readySnapshot("105")

	if err := p.ProcessTask(ctx, f.project, "105"); err != nil {
		t.Fatalf("initial process: %v", err)
	}

	// Operator moves the card to the cancelled column.
	snap := readySnapshot("105")
	snap.Fields = append(snap.Fields, tracker.FieldValue{
		FieldGID: "f-status", Type: "enum", EnumOptionGID: "opt-cancelled",
	})
	f.tracker.tasks["105"] = snap

	if err := p.ProcessTask(ctx, f.project, "105"); err != nil {
		t.Fatalf("cancel process: %v", err)
	}

	task := f.taskByExternalID(t, "105")
	if task.Status != persistence.TaskStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", task.Status)
	}
	if len(f.scm.closed) != 1 || f.scm.closed[0] != 42 || !f.scm.notPlanned[0] {
		t.Fatalf("expected issue 42 closed as not planned, got %v/%v", f.scm.closed, f.scm.notPlanned)
	}
}

func TestProcessTask_BlockedStatus(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()

	snap := readySnapshot("106")
	snap.Fields = append(snap.Fields, tracker.FieldValue{
		FieldGID: "f-status", Type: "enum", EnumOptionGID: "opt-blocked",
	})
	f.tracker.tasks["106"] = snap

	if err := p.ProcessTask(ctx, f.project, "106"); err != nil {
		t.Fatalf("process: %v", err)
	}
	task := f.taskByExternalID(t, "106")
	if task.Status != persistence.TaskStatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", task.Status)
	}
	if len(f.scm.issues) != 0 {
		t.Fatal("expected no issue for a blocked task")
	}
}

func TestProcessTask_IssueCreateFailureKeepsSpec(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	ctx := context.Background()
	f.tracker.tasks["107"] = readySnapshot("107")
	f.scm.createIssueErr = errors.New("api rate limited")

	if err := p.ProcessTask(ctx, f.project, "107"); err == nil {
		t.Fatal("expected issue creation error to propagate")
	}

	task := f.taskByExternalID(t, "107")
	if task.Status != persistence.TaskStatusSpecCreated {
		t.Fatalf("expected TASKSPEC_CREATED after failed issue, got %s", task.Status)
	}

	events, _ := f.store.ListTaskEvents(ctx, task.ID, 20)
	found := false
	for _, ev := range events {
		if ev.Kind == "issue.create_failed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected issue.create_failed event")
	}

	// Recovery: the next snapshot processing retries from TASKSPEC_CREATED.
	f.scm.createIssueErr = nil
	if err := p.ProcessTask(ctx, f.project, "107"); err != nil {
		t.Fatalf("retry process: %v", err)
	}
	task = f.taskByExternalID(t, "107")
	if task.Status != persistence.TaskStatusIssueCreated {
		t.Fatalf("expected ISSUE_CREATED after retry, got %s", task.Status)
	}
}
