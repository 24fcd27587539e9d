package pipeline_test

import (
	"context"
	"testing"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/webhook"
)

func TestConsume_TrackerHeartbeatIsNoOp(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)

	err := p.Consume(context.Background(), webhook.Delivery{
		Provider:  "tracker",
		ProjectID: "p1",
		Body:      []byte(`{"events":[]}`),
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if f.tracker.getCalls != 0 {
		t.Fatalf("heartbeat must not fetch tasks, got %d calls", f.tracker.getCalls)
	}
}

func TestConsume_CollapsesRepeatedTaskEvents(t *testing.T) {
	f, p := newFixture(t, config.ExecutionModeAgent)
	f.tracker.tasks["300"] = readySnapshot("300")
	f.tracker.tasks["301"] = readySnapshot("301")

	// One delivery with a burst of changes: task 300 twice, 301 once, plus a
	// non-task resource that must be skipped.
	body := []byte(`{"events":[
		{"resource":{"gid":"300","resource_type":"task"},"action":"changed"},
		{"resource":{"gid":"300","resource_type":"task"},"action":"changed"},
		{"resource":{"gid":"s1","resource_type":"story"},"action":"added"},
		{"resource":{"gid":"301","resource_type":"task"},"action":"changed"}
	]}`)
	err := p.Consume(context.Background(), webhook.Delivery{
		Provider:  "tracker",
		ProjectID: "p1",
		Body:      body,
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if f.tracker.getCalls != 2 {
		t.Fatalf("expected one fetch per distinct task, got %d", f.tracker.getCalls)
	}
	if len(f.scm.issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(f.scm.issues))
	}
}

func TestConsume_UnknownProjectFails(t *testing.T) {
	_, p := newFixture(t, config.ExecutionModeAgent)

	err := p.Consume(context.Background(), webhook.Delivery{
		Provider:  "tracker",
		ProjectID: "ghost",
		Body:      []byte(`{"events":[{"resource":{"gid":"1","resource_type":"task"},"action":"changed"}]}`),
	})
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
}
