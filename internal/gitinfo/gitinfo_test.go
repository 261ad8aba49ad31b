package gitinfo_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mainthread-dev/mainthread/internal/gitinfo"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestDetect_NonGitDir(t *testing.T) {
	meta, err := gitinfo.Detect(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, meta.Branch)
	assert.False(t, meta.IsWorktree)
}

func TestDetect_GitRepo(t *testing.T) {
	dir := initRepo(t)
	meta, err := gitinfo.Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "main", meta.Branch)
	assert.False(t, meta.IsWorktree)
	assert.Equal(t, filepath.Base(dir), meta.Repo)
}

func TestDetect_DetachedHEAD(t *testing.T) {
	dir := initRepo(t)
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--short", "HEAD").Output()
	require.NoError(t, err)
	sha := string(bytes.TrimSpace(out))

	cmd := exec.Command("git", "-C", dir, "checkout", "-q", sha)
	checkoutOut, err := cmd.CombinedOutput()
	require.NoError(t, err, string(checkoutOut))

	meta, err := gitinfo.Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "("+sha+")", meta.Branch)
	assert.False(t, meta.IsWorktree)
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	dir := initRepo(t)
	wtPath := gitinfo.NewWorktreePath(dir, "feature-x")
	require.NoError(t, gitinfo.CreateWorktree(dir, wtPath, "feature-x", "HEAD"))

	meta, err := gitinfo.Detect(wtPath)
	require.NoError(t, err)
	assert.True(t, meta.IsWorktree)
	assert.Equal(t, "feature-x", meta.Branch)

	require.NoError(t, gitinfo.RemoveWorktree(dir, wtPath))
	_, statErr := os.Stat(wtPath)
	assert.True(t, os.IsNotExist(statErr))
}
