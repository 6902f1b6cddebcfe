package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("infra\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	r, err := Open(dir, Options{AuthorName: "infrafactory", AuthorEmail: "bot@example.com"})
	require.NoError(t, err)
	return r
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "feat/dev/req-1234", BranchName(contract.EnvDev, "req-1234"))
	assert.Equal(t, "feat/prd/req-a-b", BranchName(contract.EnvPrd, "req a:b"))
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct{ in, want string }{
		{"feat/dev/x", "feat/dev/x"},
		{"feat//dev///x", "feat/dev/x"},
		{"/-leading", "leading"},
		{"has spaces & symbols!", "has-spaces-symbols"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeBranch(tt.in), tt.in)
	}
}

func TestEnsureBranch_CreatesThenReuses(t *testing.T) {
	r := initRepo(t)

	name, existed, err := r.EnsureBranch("feat/dev/req-1", "develop")
	require.NoError(t, err)
	assert.Equal(t, "feat/dev/req-1", name)
	assert.False(t, existed)

	name, existed, err = r.EnsureBranch("feat/dev/req-1", "develop")
	require.NoError(t, err)
	assert.Equal(t, "feat/dev/req-1", name)
	assert.True(t, existed, "second call should reuse the branch")

	head, err := r.repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/feat/dev/req-1", head.Name().String())
}

func TestEnsureBranch_Invalid(t *testing.T) {
	r := initRepo(t)
	_, _, err := r.EnsureBranch("!!!", "")
	assert.Error(t, err)
}

func TestCommitChanges(t *testing.T) {
	r := initRepo(t)
	_, _, err := r.EnsureBranch("feat/dev/req-2", "")
	require.NoError(t, err)

	changes := []contract.CodeChange{
		{Path: "k8s/redis.yaml", Kind: contract.KindKubernetes, Content: "kind: Deployment\n"},
	}
	sha, created, err := r.CommitChanges(changes, "add redis")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, sha, 40)

	data, err := os.ReadFile(filepath.Join(r.Dir(), "k8s", "redis.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", string(data))

	commit, err := r.repo.CommitObject(mustHead(t, r))
	require.NoError(t, err)
	assert.Equal(t, "add redis", commit.Message)
	assert.Equal(t, "infrafactory", commit.Author.Name)

	// Same content again: nothing to commit, HEAD is reused.
	again, created, err := r.CommitChanges(changes, "add redis")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sha, again)
}

func TestCommitChanges_Delete(t *testing.T) {
	r := initRepo(t)
	sha, created, err := r.CommitChanges([]contract.CodeChange{{Path: "README.md", Deleted: true}}, "remove readme")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sha)
	_, err = os.Stat(filepath.Join(r.Dir(), "README.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommitChanges_UnsafePath(t *testing.T) {
	r := initRepo(t)
	_, _, err := r.CommitChanges([]contract.CodeChange{{Path: "../escape.yaml", Content: "x"}}, "bad")
	assert.Error(t, err)
}

func TestPush_NoRemote(t *testing.T) {
	r := initRepo(t)
	pushed, err := r.Push(context.Background(), "feat/dev/req-3")
	require.NoError(t, err)
	assert.False(t, pushed)
}

func mustHead(t *testing.T, r *Repo) plumbing.Hash {
	t.Helper()
	head, err := r.repo.Head()
	require.NoError(t, err)
	return head.Hash()
}
