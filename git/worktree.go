// Package git wraps the version-control operations the work core needs:
// isolated per-card worktrees, squash merges into the integration branch,
// and the revert path taken when a post-merge gate fails.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/arctek/awc/kanban"
)

// BranchPrefix is the namespace for agent branches.
const BranchPrefix = "awc/card-"

// Manager runs git against one project repository. Worktrees are created
// under a directory owned by the core's data dir, not inside the repo.
type Manager struct {
	repoPath    string
	worktreeDir string
	integration string
}

// NewManager creates a manager for the repo at repoPath. worktreeDir is
// where per-card workspaces are created; integration is the branch verified
// work merges into (usually main).
func NewManager(repoPath, worktreeDir, integration string) *Manager {
	if integration == "" {
		integration = "main"
	}
	return &Manager{repoPath: repoPath, worktreeDir: worktreeDir, integration: integration}
}

// IntegrationBranch returns the branch verified work merges into.
func (m *Manager) IntegrationBranch() string {
	return m.integration
}

// BranchForCard derives the branch name for a card's run.
func BranchForCard(cardID string) string {
	id := cardID
	if len(id) > 8 {
		id = id[:8]
	}
	return BranchPrefix + sanitizeRef(id)
}

var unsafeRef = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

func sanitizeRef(s string) string {
	return unsafeRef.ReplaceAllString(s, "-")
}

// Worktree is one isolated workspace.
type Worktree struct {
	Path   string
	Branch string
	Commit string
}

// CreateWorktree makes an isolated workspace for a card, on a fresh branch
// cut from the integration branch. Creating the same card's worktree twice
// returns the existing path.
func (m *Manager) CreateWorktree(ctx context.Context, cardID string) (*Worktree, error) {
	branch := BranchForCard(cardID)
	path, err := SafeJoin(m.worktreeDir, sanitizeRef(shortID(cardID)))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.worktreeDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create worktree dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return &Worktree{Path: path, Branch: branch}, nil
	}

	var args []string
	if m.branchExists(ctx, branch) {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path, m.integration}
	}
	if err := m.run(ctx, m.repoPath, args...); err != nil {
		return nil, err
	}
	return &Worktree{Path: path, Branch: branch}, nil
}

// RemoveWorktree tears a workspace down; removeBranch also deletes its
// branch. Cleanup is best-effort past the directory itself.
func (m *Manager) RemoveWorktree(ctx context.Context, path string, removeBranch bool) error {
	path, err := m.guardWorktreePath(path)
	if err != nil {
		return err
	}

	var branch string
	if removeBranch {
		if wt, err := m.findWorktree(ctx, path); err == nil {
			branch = wt.Branch
		}
	}

	if err := m.run(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_ = m.run(ctx, m.repoPath, "worktree", "prune")
	}

	if removeBranch && branch != "" && branch != m.integration {
		_ = m.run(ctx, m.repoPath, "branch", "-D", branch)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (m *Manager) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	out, err := m.output(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var (
		worktrees []Worktree
		current   *Worktree
	)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && current != nil:
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees, nil
}

// AgentWorktrees returns only the workspaces under this manager's worktree
// directory, skipping the main checkout.
func (m *Manager) AgentWorktrees(ctx context.Context) ([]Worktree, error) {
	all, err := m.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(m.worktreeDir)
	if err != nil {
		return nil, err
	}
	var mine []Worktree
	for _, wt := range all {
		abs, err := filepath.Abs(wt.Path)
		if err != nil {
			continue
		}
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			mine = append(mine, wt)
		}
	}
	return mine, nil
}

func (m *Manager) findWorktree(ctx context.Context, path string) (*Worktree, error) {
	worktrees, err := m.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		wtAbs, err := filepath.Abs(wt.Path)
		if err != nil {
			continue
		}
		if wtAbs == abs {
			return &wt, nil
		}
	}
	return nil, kanban.NotFoundf("worktree %s", path)
}

// HasChanges reports whether a workspace holds uncommitted changes. The
// post-run success check uses this to tell "agent did something" from
// "agent exited clean with nothing to show".
func (m *Manager) HasChanges(ctx context.Context, path string) (bool, error) {
	out, err := m.output(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// CommitAll stages and commits everything in a workspace. Committing a
// clean tree is a no-op.
func (m *Manager) CommitAll(ctx context.Context, path, message string) error {
	if err := m.run(ctx, path, "add", "-A"); err != nil {
		return err
	}
	dirty, err := m.HasChanges(ctx, path)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return m.run(ctx, path, "commit", "-m", message)
}

// Head returns the current commit of the given checkout.
func (m *Manager) Head(ctx context.Context, path string) (string, error) {
	out, err := m.output(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IntegrationHead returns the integration branch's current commit, used to
// record the revert point before a merge.
func (m *Manager) IntegrationHead(ctx context.Context) (string, error) {
	out, err := m.output(ctx, m.repoPath, "rev-parse", m.integration)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SquashMerge squashes a card branch into the integration branch as a
// single commit.
func (m *Manager) SquashMerge(ctx context.Context, branch, message string) error {
	if err := m.run(ctx, m.repoPath, "checkout", m.integration); err != nil {
		return err
	}
	if err := m.run(ctx, m.repoPath, "merge", "--squash", branch); err != nil {
		// Leave the tree usable for the next candidate.
		_ = m.run(ctx, m.repoPath, "merge", "--abort")
		_ = m.run(ctx, m.repoPath, "reset", "--hard", m.integration)
		return err
	}
	return m.run(ctx, m.repoPath, "commit", "-m", message)
}

// ResetIntegration hard-resets the integration branch to a recorded commit.
// This is the revert path when the post-merge gate fails.
func (m *Manager) ResetIntegration(ctx context.Context, commit string) error {
	if err := m.run(ctx, m.repoPath, "checkout", m.integration); err != nil {
		return err
	}
	return m.run(ctx, m.repoPath, "reset", "--hard", commit)
}

// Prune drops worktree bookkeeping for directories that no longer exist.
func (m *Manager) Prune(ctx context.Context) error {
	return m.run(ctx, m.repoPath, "worktree", "prune")
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	return m.run(ctx, m.repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// guardWorktreePath resolves path and rejects anything outside the
// manager's worktree dir. Removal paths come from stored branch names and
// worktree listings; a corrupted one must not reach the filesystem.
func (m *Manager) guardWorktreePath(path string) (string, error) {
	root, err := filepath.Abs(m.worktreeDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." {
		return "", kanban.Validationf("path %q is not a worktree under %s", path, root)
	}
	return SafeJoin(root, rel)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// run executes git with captured output; failures surface as External
// errors carrying that output.
func (m *Manager) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kanban.Externalf(string(out), err, "git %s failed in %s", strings.Join(args, " "), dir)
	}
	return nil
}

// output executes git and returns stdout; failures carry stderr.
func (m *Manager) output(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, kanban.Externalf(stderr.String(), err, "git %s failed in %s", strings.Join(args, " "), dir)
	}
	return out, nil
}

// SafeJoin resolves rel inside root, rejecting absolute paths and any
// `..` escape an agent might produce.
func SafeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", kanban.Validationf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", kanban.Validationf("absolute path %q not allowed", rel)
	}
	joined := filepath.Join(root, rel)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", kanban.Validationf("path %q escapes the workspace", rel)
	}
	return absJoined, nil
}
