// Package queue runs the background workers that drain the persistent job
// queue. Producers enqueue rows; workers claim them one at a time, validate
// the payload against the kind's schema, and dispatch to the registered
// handler. A failed handler is retried with backoff until the attempt budget
// runs out.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"

	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one claimed job. A returned error schedules a retry (or
// marks the job failed once attempts are exhausted).
type Handler func(ctx context.Context, job *persistence.JobQueueEntry) error

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Pool owns a fixed set of polling workers over the job queue.
type Pool struct {
	store        *persistence.Store
	workerCount  int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]registration

	wg sync.WaitGroup
}

func NewPool(store *persistence.Store, workerCount int, pollInterval time.Duration) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Pool{
		store:        store,
		workerCount:  workerCount,
		pollInterval: pollInterval,
		handlers:     map[string]registration{},
	}
}

// Register wires a handler for a job kind. schemaJSON, when non-empty, is
// compiled and every payload of this kind is validated before dispatch;
// payloads that fail validation burn an attempt like any other failure.
func (p *Pool) Register(kind string, schemaJSON string, handler Handler) error {
	var schema *jsonschema.Schema
	if schemaJSON != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("add schema resource for %s: %w", kind, err)
		}
		schema, err = c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", kind, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = registration{handler: handler, schema: schema}
	return nil
}

func (p *Pool) kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	return out
}

// leaseDuration bounds how long a claimed entry may sit in running before a
// crashed worker's lock is broken and the entry handed to someone else.
const leaseDuration = 15 * time.Minute

// leaseSweepInterval is how often the pool looks for expired leases.
const leaseSweepInterval = time.Minute

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until in-flight jobs finish. A maintenance goroutine reclaims entries left
// running by a crashed worker, once at startup and then on an interval.
func (p *Pool) Start(ctx context.Context) {
	p.requeueStale(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(leaseSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.requeueStale(ctx)
			}
		}
	}()
	for i := 0; i < p.workerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
}

func (p *Pool) requeueStale(ctx context.Context) {
	moved, err := p.store.RequeueStaleJobs(ctx, leaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("queue: requeue stale jobs", "error", err)
		}
		return
	}
	if moved > 0 {
		slog.Warn("queue: reclaimed stale jobs", "count", moved)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		// Drain eagerly so a burst does not wait one tick per job.
		for {
			claimed, err := p.claimAndExecute(ctx, workerID)
			if err != nil {
				slog.Error("queue: claim failed", "worker", workerID, "error", err)
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) claimAndExecute(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.ClaimNextJob(ctx, workerID, p.kinds())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	p.mu.RLock()
	reg, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		// Kind was registered when claimed; losing it mid-flight means a
		// programming error, not a retryable condition.
		_ = p.store.FailJob(ctx, job.ID, workerID, "no handler for kind "+job.Kind)
		return true, nil
	}

	if reg.schema != nil {
		if err := validatePayload(reg.schema, job.Payload); err != nil {
			slog.Warn("queue: payload rejected", "job_id", job.ID, "kind", job.Kind, "error", err)
			if ferr := p.store.FailJob(ctx, job.ID, workerID, "payload validation: "+err.Error()); ferr != nil {
				slog.Error("queue: fail job", "job_id", job.ID, "error", ferr)
			}
			return true, nil
		}
	}

	slog.Info("queue: job claimed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "worker", workerID)
	jobCtx, span := tbotel.StartSpan(ctx, otelapi.Tracer(tbotel.TracerName), "queue.execute",
		tbotel.AttrJobKind.String(job.Kind))
	err = reg.handler(jobCtx, job)
	span.End()
	if err != nil {
		slog.Warn("queue: job failed", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		if ferr := p.store.FailJob(ctx, job.ID, workerID, err.Error()); ferr != nil {
			slog.Error("queue: fail job", "job_id", job.ID, "error", ferr)
		}
		return true, nil
	}
	if err := p.store.CompleteJob(ctx, job.ID, workerID); err != nil {
		slog.Error("queue: complete job", "job_id", job.ID, "error", err)
	}
	return true, nil
}

func validatePayload(schema *jsonschema.Schema, payload string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// AgentRunPayload is the payload carried by agent.run jobs.
type AgentRunPayload struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id,omitempty"`
}

// AgentRunSchema validates agent.run payloads before dispatch.
const AgentRunSchema = `{
  "type": "object",
  "required": ["task_id"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "run_id": {"type": "string"}
  },
  "additionalProperties": false
}`

// EncodeAgentRunPayload renders the payload for EnqueueJob.
func EncodeAgentRunPayload(taskID string) (string, error) {
	raw, err := json.Marshal(AgentRunPayload{TaskID: taskID})
	if err != nil {
		return "", fmt.Errorf("encode agent.run payload: %w", err)
	}
	return string(raw), nil
}

// DecodeAgentRunPayload parses an agent.run job payload.
func DecodeAgentRunPayload(payload string) (*AgentRunPayload, error) {
	var p AgentRunPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode agent.run payload: %w", err)
	}
	if p.TaskID == "" {
		return nil, fmt.Errorf("agent.run payload missing task_id")
	}
	return &p, nil
}
