// Package gitinfo detects a thread's working-directory git context
// (branch, worktree-ness) and manages the worktrees spawn_child creates
// for isolated child threads. It shells out to the git binary rather than
// linking a git library, matching the commands a human would run.
package gitinfo

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mainthread-dev/mainthread/internal/store"
)

var errNotGitRepo = errors.New("gitinfo: not a git repository")

// Detect inspects dir and returns the GitMeta a newly created or
// refreshed thread should carry. A non-git directory yields a zero
// GitMeta, not an error.
func Detect(dir string) (store.GitMeta, error) {
	if dir == "" {
		return store.GitMeta{}, nil
	}
	gitDir, isWorktree, worktreeRoot, err := findGitRoot(dir)
	if err != nil {
		if errors.Is(err, errNotGitRepo) {
			return store.GitMeta{}, nil
		}
		return store.GitMeta{}, err
	}

	repoRoot := filepath.Dir(gitDir)
	branch, err := currentBranch(dir)
	if err != nil {
		return store.GitMeta{}, err
	}

	meta := store.GitMeta{
		Branch:     branch,
		Repo:       filepath.Base(repoRoot),
		IsWorktree: isWorktree,
	}
	if isWorktree {
		meta.WorktreeBranch = branch
		_ = worktreeRoot
	}
	return meta, nil
}

// currentBranch returns the checked-out branch name, or a short commit
// hash wrapped in parens, e.g. "(a1b2c3d)", when HEAD is detached.
func currentBranch(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "symbolic-ref", "--short", "-q", "HEAD").Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	out, err = exec.Command("git", "-C", dir, "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("gitinfo: resolve HEAD: %w", err)
	}
	return "(" + strings.TrimSpace(string(out)) + ")", nil
}

// findGitRoot walks up from dir looking for .git, resolving linked
// worktrees back to the main repo's .git directory.
func findGitRoot(dir string) (gitDir string, isWorktree bool, worktreeRoot string, err error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", false, "", err
	}
	cur := abs
	for {
		dotGit := filepath.Join(cur, ".git")
		fi, statErr := os.Lstat(dotGit)
		if statErr == nil {
			if fi.IsDir() {
				return dotGit, false, "", nil
			}
			main, resolveErr := resolveWorktreeFile(dotGit)
			if resolveErr != nil {
				return "", false, "", resolveErr
			}
			return main, true, cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false, "", errNotGitRepo
		}
		cur = parent
	}
}

func resolveWorktreeFile(dotGitFile string) (string, error) {
	data, err := os.ReadFile(dotGitFile)
	if err != nil {
		return "", fmt.Errorf("gitinfo: read .git file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	gitDir := strings.TrimPrefix(content, "gitdir: ")
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(dotGitFile), gitDir)
	}
	gitDir = filepath.Clean(gitDir)
	parts := strings.Split(gitDir, string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == ".git" {
			return string(filepath.Separator) + filepath.Join(parts[1:i+1]...), nil
		}
	}
	return "", fmt.Errorf("gitinfo: could not locate .git in worktree pointer %q", gitDir)
}

// NewWorktreePath picks a collision-free path for a child thread's
// worktree under repoRoot's parent directory, appending "-2", "-3", ...
// while a file or directory already exists at the candidate path.
func NewWorktreePath(repoRoot, branchName string) string {
	base := filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-worktrees", branchName)
	path := base
	for i := 2; pathExists(path); i++ {
		path = fmt.Sprintf("%s-%d", base, i)
	}
	return path
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// CreateWorktree creates a new worktree at worktreePath on a fresh branch
// branchName, based on startPoint (typically "HEAD").
func CreateWorktree(repoRoot, worktreePath, branchName, startPoint string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("gitinfo: create worktree parent dir: %w", err)
	}
	cmd := exec.Command("git", "-C", repoRoot, "worktree", "add", worktreePath, "-b", branchName, startPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gitinfo: git worktree add: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// RemoveWorktree removes a previously-created worktree, falling back to a
// manual directory removal if git refuses (e.g. dirty working tree).
func RemoveWorktree(repoRoot, worktreePath string) error {
	cmd := exec.Command("git", "-C", repoRoot, "worktree", "remove", worktreePath, "--force")
	if out, err := cmd.CombinedOutput(); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("gitinfo: worktree remove: %s; manual cleanup failed: %w", strings.TrimSpace(string(out)), rmErr)
		}
		_ = exec.Command("git", "-C", repoRoot, "worktree", "prune").Run()
	}
	return nil
}
