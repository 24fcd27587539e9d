package orchestrator

import (
	"context"
	"sync"
)

// runRegistry tracks the cancel functions of in-flight agent processes so an
// external request can kill them by run id. Register/unregister is tied to
// process spawn and exit.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: map[string]context.CancelFunc{}}
}

func (r *runRegistry) register(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = cancel
}

func (r *runRegistry) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// cancel invokes the registered cancel function, if any. Returns whether a
// live process was found.
func (r *runRegistry) cancel(runID string) bool {
	r.mu.Lock()
	cancelFn, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		cancelFn()
	}
	return ok
}
