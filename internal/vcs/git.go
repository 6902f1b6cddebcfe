// Package vcs creates branches, commits generated changes and pushes them
// using an in-process git implementation.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Options configures a Repo.
type Options struct {
	Remote      string // empty disables push
	AuthorName  string
	AuthorEmail string
	Token       string // HTTPS token; empty uses no auth
}

// Repo is a working copy of the infrastructure repository.
type Repo struct {
	dir  string
	repo *git.Repository
	opts Options
	auth transport.AuthMethod
	now  func() time.Time
}

// Open opens the git repository at dir.
func Open(dir string, opts Options) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	r := &Repo{dir: dir, repo: repo, opts: opts, now: time.Now}
	if opts.Token != "" {
		r.auth = &http.BasicAuth{Username: "x-access-token", Password: opts.Token}
	}
	return r, nil
}

// Dir returns the working tree root.
func (r *Repo) Dir() string {
	return r.dir
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// BranchName returns the feature branch for a request.
func BranchName(env contract.Environment, requestID string) string {
	return sanitizeBranch(fmt.Sprintf("feat/%s/%s", env, requestID))
}

// EnsureBranch checks out branch, creating it from base when it does not
// exist yet. An existing branch is reused as is. It returns the sanitized
// branch name and whether the branch already existed.
func (r *Repo) EnsureBranch(branch, base string) (string, bool, error) {
	branch = sanitizeBranch(branch)
	if branch == "" || strings.HasPrefix(branch, "-") {
		return "", false, fmt.Errorf("invalid branch name %q", branch)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	if _, err := r.repo.Reference(ref, true); err == nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Keep: true}); err != nil {
			return "", true, fmt.Errorf("checkout %s: %w", branch, err)
		}
		return branch, true, nil
	}

	from, err := r.resolveBase(base)
	if err != nil {
		return "", false, err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Hash: from, Create: true, Keep: true}); err != nil {
		return "", false, fmt.Errorf("create branch %s: %w", branch, err)
	}
	return branch, false, nil
}

// resolveBase prefers the remote-tracking branch, then the local branch,
// then HEAD.
func (r *Repo) resolveBase(base string) (plumbing.Hash, error) {
	if base != "" {
		candidates := []plumbing.ReferenceName{plumbing.NewBranchReferenceName(base)}
		if r.opts.Remote != "" {
			candidates = append([]plumbing.ReferenceName{plumbing.NewRemoteReferenceName(r.opts.Remote, base)}, candidates...)
		}
		for _, name := range candidates {
			if ref, err := r.repo.Reference(name, true); err == nil {
				return ref.Hash(), nil
			}
		}
	}
	head, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve base %q: %w", base, err)
	}
	return head.Hash(), nil
}

// CommitChanges writes changes into the working tree, stages them and
// commits. When nothing differs from HEAD the existing HEAD commit is
// returned with created=false.
func (r *Repo) CommitChanges(changes []contract.CodeChange, message string) (sha string, created bool, err error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("worktree: %w", err)
	}

	var paths []string
	for _, c := range changes {
		rel := filepath.ToSlash(filepath.Clean(c.Path))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
			return "", false, fmt.Errorf("unsafe change path %q", c.Path)
		}
		abs := filepath.Join(r.dir, filepath.FromSlash(rel))
		if c.Deleted {
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", false, fmt.Errorf("remove %s: %w", rel, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", false, fmt.Errorf("mkdir for %s: %w", rel, err)
			}
			if err := os.WriteFile(abs, []byte(c.Content), 0o644); err != nil {
				return "", false, fmt.Errorf("write %s: %w", rel, err)
			}
		}
		if _, err := wt.Add(rel); err != nil && !c.Deleted {
			return "", false, fmt.Errorf("stage %s: %w", rel, err)
		}
		if c.Deleted {
			_, _ = wt.Remove(rel)
		}
		paths = append(paths, rel)
	}

	status, err := wt.Status()
	if err != nil {
		return "", false, fmt.Errorf("status: %w", err)
	}
	staged := false
	for _, p := range paths {
		if fs, ok := status[p]; ok && fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		head, err := r.repo.Head()
		if err != nil {
			return "", false, fmt.Errorf("read HEAD: %w", err)
		}
		return head.Hash().String(), false, nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.opts.AuthorName,
			Email: r.opts.AuthorEmail,
			When:  r.now(),
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return hash.String(), true, nil
}

// Push pushes branch to the configured remote. It reports false without
// error when no remote is configured.
func (r *Repo) Push(ctx context.Context, branch string) (bool, error) {
	if r.opts.Remote == "" {
		return false, nil
	}
	if strings.HasPrefix(branch, "-") {
		return false, fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, fmt.Errorf("push %s: %w", branch, err)
	}
	return true, nil
}
