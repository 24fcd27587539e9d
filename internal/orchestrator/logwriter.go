package orchestrator

import (
	"context"
	"strings"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/shared"
)

// analysisMarkers flag lines that look like agent reasoning rather than
// progress output. Filtered mode drops them; they never carry information an
// operator needs and sometimes carry information they should not see.
var analysisMarkers = []string{
	"thinking:",
	"<thinking>",
	"analysis:",
	"reasoning:",
	"chain of thought",
}

// runLogWriter persists agent output lines for one run. Secrets passed in are
// scrubbed literally from every line regardless of mode.
type runLogWriter struct {
	store   *persistence.Store
	runID   string
	mode    config.LogMode
	secrets []string
}

func newRunLogWriter(store *persistence.Store, runID string, mode config.LogMode, secrets []string) *runLogWriter {
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return &runLogWriter{store: store, runID: runID, mode: mode, secrets: kept}
}

func (w *runLogWriter) writeLine(ctx context.Context, stream, line string) {
	for _, secret := range w.secrets {
		line = shared.ScrubLiteral(line, secret)
	}
	switch w.mode {
	case config.LogModeFiltered:
		if looksLikeAnalysis(line) {
			return
		}
	case config.LogModeRedacted:
		line = shared.Redact(line)
	}
	_ = w.store.AppendRunLog(ctx, w.runID, stream, line)
}

func (w *runLogWriter) system(ctx context.Context, line string) {
	w.writeLine(ctx, persistence.StreamSystem, line)
}

func looksLikeAnalysis(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, marker := range analysisMarkers {
		if strings.HasPrefix(lower, marker) || strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
