// Package workspace manages the on-disk git state for agent runs: a
// persistent clone per repository plus a short-lived worktree per run.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/basket/taskbridge/internal/shared"
)

// BranchPrefix is the prefix for run branch names.
const BranchPrefix = "taskbridge/"

// ErrWorktreeExists is returned when a worktree already exists for the run.
var ErrWorktreeExists = errors.New("worktree already exists")

// Manager owns the clones and worktrees under a single workspace root.
// Layout: <root>/repos/<owner>/<repo> for cached clones,
// <root>/worktrees/<run-id> for per-run checkouts.
type Manager struct {
	root string
}

// Worktree is a per-run checkout on its own branch.
type Worktree struct {
	Path     string
	Branch   string
	RepoPath string // cached clone the worktree belongs to
}

func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root required")
	}
	for _, sub := range []string{"repos", "worktrees"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir: %w", err)
		}
	}
	return &Manager{root: root}, nil
}

func (m *Manager) repoPath(owner, repo string) string {
	return filepath.Join(m.root, "repos", owner, repo)
}

// EnsureRepo returns a clean, up-to-date clone of owner/repo. The clone is
// created on first use and reused afterwards; every call resets it hard to
// origin/<defaultBranch> and removes untracked files, so leftovers from a
// crashed run never leak into the next one.
func (m *Manager) EnsureRepo(ctx context.Context, cloneURL, owner, repo, defaultBranch string) (string, error) {
	path := m.repoPath(owner, repo)
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create repo dir: %w", err)
		}
		if _, err := m.git(ctx, "", "clone", cloneURL, path); err != nil {
			return "", fmt.Errorf("clone %s/%s: %w", owner, repo, err)
		}
		return path, nil
	}

	if _, err := m.git(ctx, path, "fetch", "origin"); err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", owner, repo, err)
	}
	if _, err := m.git(ctx, path, "checkout", defaultBranch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", defaultBranch, err)
	}
	if _, err := m.git(ctx, path, "reset", "--hard", "origin/"+defaultBranch); err != nil {
		return "", fmt.Errorf("reset %s/%s: %w", owner, repo, err)
	}
	if _, err := m.git(ctx, path, "clean", "-fd"); err != nil {
		return "", fmt.Errorf("clean %s/%s: %w", owner, repo, err)
	}
	return path, nil
}

// CreateWorktree adds a worktree for the run on a fresh branch
// taskbridge/<task-id>-<run8>.
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, taskID, runID string) (*Worktree, error) {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	branch := BranchPrefix + taskID + "-" + short
	wtPath := filepath.Join(m.root, "worktrees", runID)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, ErrWorktreeExists
	}
	if _, err := m.git(ctx, repoPath, "worktree", "add", wtPath, "-b", branch); err != nil {
		return nil, fmt.Errorf("add worktree: %w", err)
	}
	return &Worktree{Path: wtPath, Branch: branch, RepoPath: repoPath}, nil
}

// RemoveWorktree tears the run checkout down: the worktree itself, its
// branch, and stale worktree metadata. The cached clone survives.
func (m *Manager) RemoveWorktree(ctx context.Context, wt *Worktree) error {
	var firstErr error
	if _, err := m.git(ctx, wt.RepoPath, "worktree", "remove", wt.Path, "--force"); err != nil {
		firstErr = fmt.Errorf("remove worktree: %w", err)
	}
	if _, err := m.git(ctx, wt.RepoPath, "branch", "-D", wt.Branch); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("delete branch: %w", err)
	}
	if _, err := m.git(ctx, wt.RepoPath, "worktree", "prune"); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("prune worktrees: %w", err)
	}
	return firstErr
}

// ChangedFiles lists paths with any uncommitted change in the worktree,
// parsed from `git status --porcelain`.
func (m *Manager) ChangedFiles(ctx context.Context, wt *Worktree) ([]string, error) {
	out, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		// Format: XY <path> or XY <old> -> <new> for renames.
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		files = append(files, path)
	}
	return files, nil
}

// CommitAll stages everything in the worktree and commits it.
func (m *Manager) CommitAll(ctx context.Context, wt *Worktree, message string) error {
	if _, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git(ctx, wt.Path, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// HeadSHA returns the worktree's current commit.
func (m *Manager) HeadSHA(ctx context.Context, wt *Worktree) (string, error) {
	out, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Push pushes the run branch using a token-bearing remote URL. The token is
// scrubbed from any error before it can reach a log line.
func (m *Manager) Push(ctx context.Context, wt *Worktree, owner, repo, token string) error {
	remote := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
	out, err := m.gitRaw(ctx, wt.Path, "push", remote, "HEAD:refs/heads/"+wt.Branch)
	if err != nil {
		scrubbed := shared.ScrubLiteral(out+" "+err.Error(), token)
		return fmt.Errorf("push %s: %s", wt.Branch, scrubbed)
	}
	return nil
}

// git runs a git subcommand and returns its combined output. Output is passed
// through the shared redactor so credentials embedded in remote URLs never
// surface in errors.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := m.gitRaw(ctx, dir, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(shared.Redact(out)), err)
	}
	return out, nil
}

func (m *Manager) gitRaw(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	return string(output), err
}
