package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/taskbridge/internal/persistence"
)

func seedProject(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	err := store.UpsertProject(context.Background(), persistence.Project{
		ID:               id,
		Name:             "Test Project",
		TrackerProjectID: "tp-" + id,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestUpsertTask_IdempotentPerExternalID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")

	first, err := store.UpsertTask(ctx, "p1", "ext-1", "Original title")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Status != persistence.TaskStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", first.Status)
	}

	second, err := store.UpsertTask(ctx, "p1", "ext-1", "Renamed title")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same task row, got %s and %s", first.ID, second.ID)
	}
	if second.Title != "Renamed title" {
		t.Fatalf("expected title refresh, got %q", second.Title)
	}

	events, err := store.ListTaskEvents(ctx, first.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	received := 0
	for _, ev := range events {
		if ev.Kind == "task.received" {
			received++
		}
	}
	if received != 1 {
		t.Fatalf("expected exactly one task.received event, got %d", received)
	}
}

func TestUpsertTask_LegacyRowPreferredOverProjectScope(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")

	legacy, err := store.UpsertTask(ctx, "", "ext-legacy", "Old row")
	if err != nil {
		t.Fatalf("legacy upsert: %v", err)
	}

	// Project-scoped lookup adopts the legacy row instead of duplicating it.
	found, err := store.UpsertTask(ctx, "p1", "ext-legacy", "")
	if err != nil {
		t.Fatalf("scoped upsert: %v", err)
	}
	if found.ID != legacy.ID {
		t.Fatalf("expected legacy row %s, got %s", legacy.ID, found.ID)
	}
}

func TestAdoptLegacyTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")

	if _, err := store.UpsertTask(ctx, "", "ext-a", "a"); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if _, err := store.UpsertTask(ctx, "", "ext-b", "b"); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	adopted, err := store.AdoptLegacyTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if adopted != 2 {
		t.Fatalf("expected 2 adopted rows, got %d", adopted)
	}

	again, err := store.AdoptLegacyTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("adopt again: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected adoption to be one-time, got %d", again)
	}
}

func TestTransitionTask_HappyPathAppendsEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, err := store.UpsertTask(ctx, "p1", "ext-1", "t")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	applied, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusSpecCreated, "taskspec.created", "spec v1", "{}")
	if err != nil {
		t.Fatalf("transition to TASKSPEC_CREATED: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}

	applied, err = store.TransitionTask(ctx, task.ID, []persistence.TaskStatus{persistence.TaskStatusSpecCreated}, persistence.TaskStatusIssueCreated, "issue.created", "issue #1", "{}")
	if err != nil {
		t.Fatalf("transition to ISSUE_CREATED: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusIssueCreated {
		t.Fatalf("expected ISSUE_CREATED, got %s", got.Status)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{"task.received", "taskspec.created", "issue.created"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestTransitionTask_AllowedFromMismatchIsNoOp(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	applied, err := store.TransitionTask(ctx, task.ID, []persistence.TaskStatus{persistence.TaskStatusIssueCreated}, persistence.TaskStatusPRCreated, "pr.created", "", "{}")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied {
		t.Fatal("expected no-op when current status is not in allowedFrom")
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusReceived {
		t.Fatalf("expected status unchanged, got %s", got.Status)
	}
}

func TestTransitionTask_TerminalAbsorbsWithoutError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCancelled, "task.cancelled", "", "{}"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A late automated transition against a terminal task is swallowed.
	applied, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusFailed, "task.failed", "", "{}")
	if err != nil {
		t.Fatalf("transition out of terminal: %v", err)
	}
	if applied {
		t.Fatal("expected terminal state to absorb the transition")
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusCancelled {
		t.Fatalf("expected CANCELLED to stick, got %s", got.Status)
	}
}

func TestTransitionTask_IllegalTransitionErrors(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusDeployed, "task.deployed", "", "{}"); err == nil {
		t.Fatal("expected error for RECEIVED -> DEPLOYED")
	}
}

func TestTransitionTask_UnknownTask(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.TransitionTask(context.Background(), "nope", nil, persistence.TaskStatusCancelled, "task.cancelled", "", "{}")
	if !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetryTask_OnlyFromTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	if err := store.RetryTask(ctx, task.ID, "alice"); err == nil {
		t.Fatal("expected retry of a non-terminal task to fail")
	}

	if _, err := store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusFailed, "task.failed", "boom", "{}"); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	if err := store.SetTaskError(ctx, task.ID, "boom"); err != nil {
		t.Fatalf("set error: %v", err)
	}

	if err := store.RetryTask(ctx, task.ID, "alice"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != persistence.TaskStatusReceived {
		t.Fatalf("expected RECEIVED after retry, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Fatalf("expected last_error cleared, got %q", got.LastError)
	}

	events, _ := store.ListTaskEvents(ctx, task.ID, 10)
	last := events[len(events)-1]
	if last.Kind != "task.retried" || last.Actor != "alice" {
		t.Fatalf("expected task.retried by alice, got %s/%s", last.Kind, last.Actor)
	}
}

func TestAttachIssue_NeverOverwrites(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	if err := store.AttachIssue(ctx, task.ID, "acme", "web", 42, "https://example.com/42"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// Second attach is silently ignored; the first issue binding is permanent.
	if err := store.AttachIssue(ctx, task.ID, "acme", "web", 99, "https://example.com/99"); err != nil {
		t.Fatalf("re-attach: %v", err)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.IssueNumber != 42 {
		t.Fatalf("expected issue 42 to stick, got %d", got.IssueNumber)
	}

	found, err := store.FindTaskByIssue(ctx, "acme", "web", 42)
	if err != nil {
		t.Fatalf("find by issue: %v", err)
	}
	if found.ID != task.ID {
		t.Fatalf("expected task %s, got %s", task.ID, found.ID)
	}
}

func TestFindTasksByHeadSHA(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	task, _ := store.UpsertTask(ctx, "p1", "ext-1", "t")

	if err := store.AttachIssue(ctx, task.ID, "acme", "web", 1, ""); err != nil {
		t.Fatalf("attach issue: %v", err)
	}
	if err := store.AttachPR(ctx, task.ID, 7, "https://example.com/pr/7", "abc123"); err != nil {
		t.Fatalf("attach pr: %v", err)
	}

	tasks, err := store.FindTasksByHeadSHA(ctx, "acme", "web", "abc123")
	if err != nil {
		t.Fatalf("find by sha: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("expected one match for abc123, got %v", tasks)
	}

	none, err := store.FindTasksByHeadSHA(ctx, "acme", "web", "other")
	if err != nil {
		t.Fatalf("find by other sha: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %d", len(none))
	}
}
