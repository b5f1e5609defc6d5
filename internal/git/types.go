package git

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// InitConfig contains configuration for creating a mirror repository
type InitConfig struct {
	// Path is where the bare repository will live
	Path string

	// Branch is the branch HEAD points at
	Branch string
}

// CommitConfig describes a commit to write
type CommitConfig struct {
	// Tree is the root tree of the commit; it must already be stored
	Tree plumbing.Hash

	// Parent is the previous tip, or the zero hash for a root commit
	Parent plumbing.Hash

	// Signature is used as both author and committer
	Signature object.Signature

	Message string
}

// RepositoryInfo contains information about an open mirror repository
type RepositoryInfo struct {
	// Repository is the go-git repository object
	Repository *git.Repository

	// Path is the directory of the bare repository
	Path string

	// Branch is the fully qualified name of the mirrored branch
	Branch plumbing.ReferenceName

	storage *filesystem.Storage
}

// Storer returns the object and reference storage of the repository.
func (r *RepositoryInfo) Storer() *filesystem.Storage {
	return r.storage
}
