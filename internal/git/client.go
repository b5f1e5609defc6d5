// Package git manages the bare mirror repositories served to git clients.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/stacklok/gitbridge/internal/redact"
)

var (
	// ErrRepositoryNotExists is returned when opening a path that holds no repository
	ErrRepositoryNotExists = errors.New("repository does not exist")

	// ErrBranchMoved is returned when the branch no longer points at the expected commit
	ErrBranchMoved = errors.New("branch moved concurrently")
)

// Client defines the interface for mirror repository operations
type Client interface {
	// Init creates an empty bare repository. The repository becomes visible
	// at its path only once fully initialized.
	Init(ctx context.Context, config *InitConfig) (*RepositoryInfo, error)

	// Open opens an existing bare repository
	Open(path, branch string) (*RepositoryInfo, error)

	// Tip returns the commit the branch points at, or nil while the branch is unborn
	Tip(repoInfo *RepositoryInfo) (*object.Commit, error)

	// Commit writes a commit object without moving any reference
	Commit(repoInfo *RepositoryInfo, config *CommitConfig) (plumbing.Hash, error)

	// UpdateBranch points the branch at next if it still points at prev
	UpdateBranch(repoInfo *RepositoryInfo, next, prev plumbing.Hash) error

	// Remove deletes the repository at path, if any
	Remove(ctx context.Context, path string) error

	// Cleanup releases the resources of an open repository
	Cleanup(ctx context.Context, repoInfo *RepositoryInfo) error
}

// defaultGitClient implements Client using go-git
type defaultGitClient struct{}

// NewDefaultGitClient creates a new defaultGitClient
func NewDefaultGitClient() Client {
	return &defaultGitClient{}
}

// Init creates the repository in a temporary sibling directory and renames
// it into place.
func (c *defaultGitClient) Init(ctx context.Context, config *InitConfig) (*RepositoryInfo, error) {
	if config == nil || config.Path == "" || config.Branch == "" {
		return nil, fmt.Errorf("path and branch are required")
	}

	parent := filepath.Dir(config.Path)
	if err := os.MkdirAll(parent, 0750); err != nil {
		return nil, fmt.Errorf("failed to create repository parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, ".init-"+filepath.Base(config.Path)+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary repository directory: %w", err)
	}
	cleanupTmp := func() {
		if err := os.RemoveAll(tmp); err != nil {
			slog.WarnContext(ctx, "Failed to remove temporary repository",
				"repository", filepath.Base(config.Path), "error", redact.PathError(err))
		}
	}

	_, err = git.PlainInitWithOptions(tmp, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(config.Branch),
		},
	})
	if err != nil {
		cleanupTmp()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	if err := os.Rename(tmp, config.Path); err != nil {
		cleanupTmp()
		return nil, fmt.Errorf("failed to move repository into place: %w", err)
	}
	slog.DebugContext(ctx, "Initialized mirror repository", "repository", filepath.Base(config.Path), "branch", config.Branch)

	return c.Open(config.Path, config.Branch)
}

// Open opens the bare repository at path
func (*defaultGitClient) Open(path, branch string) (*RepositoryInfo, error) {
	st := filesystem.NewStorage(osfs.New(path), cache.NewObjectLRUDefault())

	repo, err := git.Open(st, nil)
	if err != nil {
		_ = st.Close()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotExists, path)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	return &RepositoryInfo{
		Repository: repo,
		Path:       path,
		Branch:     plumbing.NewBranchReferenceName(branch),
		storage:    st,
	}, nil
}

// Tip returns the commit at the tip of the mirrored branch
func (*defaultGitClient) Tip(repoInfo *RepositoryInfo) (*object.Commit, error) {
	if repoInfo == nil || repoInfo.Repository == nil {
		return nil, fmt.Errorf("repository is nil")
	}

	ref, err := repoInfo.Repository.Reference(repoInfo.Branch, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", repoInfo.Branch, err)
	}

	commit, err := repoInfo.Repository.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}
	return commit, nil
}

// Commit writes a commit object
func (*defaultGitClient) Commit(repoInfo *RepositoryInfo, config *CommitConfig) (plumbing.Hash, error) {
	if repoInfo == nil || repoInfo.Repository == nil {
		return plumbing.ZeroHash, fmt.Errorf("repository is nil")
	}

	commit := &object.Commit{
		Author:    config.Signature,
		Committer: config.Signature,
		Message:   config.Message,
		TreeHash:  config.Tree,
	}
	if !config.Parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{config.Parent}
	}

	st := repoInfo.Repository.Storer
	obj := st.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store commit: %w", err)
	}
	return hash, nil
}

// UpdateBranch moves the branch with a compare-and-swap against prev. A zero
// prev means the branch is expected to be unborn.
func (*defaultGitClient) UpdateBranch(repoInfo *RepositoryInfo, next, prev plumbing.Hash) error {
	if repoInfo == nil || repoInfo.Repository == nil {
		return fmt.Errorf("repository is nil")
	}

	st := repoInfo.Repository.Storer
	if prev.IsZero() {
		_, err := st.Reference(repoInfo.Branch)
		if err == nil {
			return fmt.Errorf("%w: %s already exists", ErrBranchMoved, repoInfo.Branch)
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("failed to read %s: %w", repoInfo.Branch, err)
		}
		if err := st.SetReference(plumbing.NewHashReference(repoInfo.Branch, next)); err != nil {
			return fmt.Errorf("failed to create %s: %w", repoInfo.Branch, err)
		}
		return nil
	}

	err := st.CheckAndSetReference(
		plumbing.NewHashReference(repoInfo.Branch, next),
		plumbing.NewHashReference(repoInfo.Branch, prev),
	)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return fmt.Errorf("%w: %s", ErrBranchMoved, repoInfo.Branch)
	}
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", repoInfo.Branch, err)
	}
	return nil
}

// Remove renames the repository out of the way before deleting it, so that
// path never holds a partially deleted repository.
func (*defaultGitClient) Remove(ctx context.Context, path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	trash, err := os.MkdirTemp(filepath.Dir(path), ".remove-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create removal directory: %w", err)
	}
	target := filepath.Join(trash, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		_ = os.Remove(trash)
		return fmt.Errorf("failed to move repository aside: %w", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		slog.WarnContext(ctx, "Failed to delete removed repository",
			"repository", filepath.Base(path), "error", redact.PathError(err))
	}
	return nil
}

// Cleanup releases the resources of an open repository
func (*defaultGitClient) Cleanup(_ context.Context, repoInfo *RepositoryInfo) error {
	if repoInfo == nil || repoInfo.Repository == nil {
		return fmt.Errorf("repository is nil")
	}

	var err error
	if repoInfo.storage != nil {
		err = repoInfo.storage.Close()
	}

	repoInfo.storage = nil
	repoInfo.Repository = nil
	if err != nil {
		return fmt.Errorf("failed to close repository storage: %w", err)
	}
	return nil
}
