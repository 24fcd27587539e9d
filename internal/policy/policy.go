// Package policy gates what an automated run may change before anything is
// committed. Violations fail the run with nothing staged.
package policy

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Checker validates a run's changed-file set against the active limits.
// Limits can be swapped at runtime via Update (config hot reload).
type Checker struct {
	mu              sync.RWMutex
	maxChangedFiles int
	denyGlobs       []string
}

func New(maxChangedFiles int, denyGlobs []string) *Checker {
	c := &Checker{}
	c.Update(maxChangedFiles, denyGlobs)
	return c
}

// Update replaces the active limits. Runs already past their check keep the
// decision they got.
func (c *Checker) Update(maxChangedFiles int, denyGlobs []string) {
	normalized := make([]string, 0, len(denyGlobs))
	for _, g := range denyGlobs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		normalized = append(normalized, normalizeGlob(g))
	}
	c.mu.Lock()
	c.maxChangedFiles = maxChangedFiles
	c.denyGlobs = normalized
	c.mu.Unlock()
}

// Violation describes why a change set was rejected.
type Violation struct {
	Reason string
	Path   string // set for glob violations
}

func (v *Violation) Error() string {
	if v.Path != "" {
		return fmt.Sprintf("policy violation: %s (%s)", v.Reason, v.Path)
	}
	return "policy violation: " + v.Reason
}

// Check returns a Violation when the changed-file set exceeds the file budget
// or touches a denied path. Paths are repo-relative with forward slashes.
func (c *Checker) Check(changedFiles []string) *Violation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.maxChangedFiles > 0 && len(changedFiles) > c.maxChangedFiles {
		return &Violation{
			Reason: fmt.Sprintf("%d files changed, limit is %d", len(changedFiles), c.maxChangedFiles),
		}
	}
	for _, file := range changedFiles {
		normalized := normalizePath(file)
		for _, glob := range c.denyGlobs {
			if ok, err := doublestar.Match(glob, normalized); err == nil && ok {
				return &Violation{Reason: "path matches deny glob " + glob, Path: file}
			}
		}
	}
	return nil
}

// normalizeGlob makes bare-name globs match at any depth, the way operators
// expect ".env" to mean "any .env anywhere".
func normalizeGlob(glob string) string {
	glob = strings.ReplaceAll(glob, "\\", "/")
	glob = strings.TrimPrefix(glob, "./")
	if !strings.Contains(glob, "/") && !strings.HasPrefix(glob, "**") {
		return "**/" + glob
	}
	return glob
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return path.Clean(p)
}
