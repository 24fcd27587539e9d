package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/taskbridge/internal/tracker"
	"github.com/basket/taskbridge/internal/webhook"
)

// Consume implements webhook.Sink: it runs after the HTTP handler has already
// acknowledged, so every failure here is logged and left for the sweeps to
// repair rather than reported upstream.
func (p *Pipeline) Consume(ctx context.Context, d webhook.Delivery) error {
	var err error
	switch d.Provider {
	case "tracker":
		err = p.consumeTracker(ctx, d)
	case "scm":
		err = p.ApplySCMEvent(ctx, d.EventName, d.Body)
	default:
		err = fmt.Errorf("unknown provider %q", d.Provider)
	}
	if err != nil {
		slog.Error("pipeline: delivery processing failed",
			"provider", d.Provider, "delivery_id", d.DeliveryID, "project_id", d.ProjectID, "error", err)
	}
	return err
}

func (p *Pipeline) consumeTracker(ctx context.Context, d webhook.Delivery) error {
	var body tracker.WebhookBody
	if err := json.Unmarshal(d.Body, &body); err != nil {
		return fmt.Errorf("decode tracker body: %w", err)
	}
	// Heartbeats are empty-event deliveries; accepting them as no-ops is the
	// whole contract.
	if len(body.Events) == 0 {
		return nil
	}

	project, err := p.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", d.ProjectID, err)
	}

	// Collapse repeat sightings so a burst of changes to one task runs the
	// pipeline once per delivery.
	seen := map[string]struct{}{}
	var firstErr error
	for _, ev := range body.Events {
		if ev.Resource.ResourceType != "task" || ev.Resource.GID == "" {
			continue
		}
		if _, dup := seen[ev.Resource.GID]; dup {
			continue
		}
		seen[ev.Resource.GID] = struct{}{}
		if err := p.ProcessTask(ctx, project, ev.Resource.GID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
