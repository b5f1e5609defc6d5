package helpers

import (
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/onsi/gomega"
)

// GitClient is an in-memory git client authenticating with one token
type GitClient struct {
	auth transport.AuthMethod
}

// NewGitClient creates a client sending token as the basic auth password.
// An empty token sends no credentials.
func NewGitClient(token string) *GitClient {
	c := &GitClient{}
	if token != "" {
		c.auth = &githttp.BasicAuth{Username: "git", Password: token}
	}
	return c
}

// Clone clones url into memory
func (c *GitClient) Clone(url string) (*git.Repository, error) {
	return git.Clone(memory.NewStorage(), memfs.New(), &git.CloneOptions{URL: url, Auth: c.auth})
}

// Fetch fetches origin. An up to date repository is not an error.
func (c *GitClient) Fetch(repo *git.Repository) error {
	err := repo.Fetch(&git.FetchOptions{Auth: c.auth})
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// Push pushes the local branch to a new remote branch
func (c *GitClient) Push(repo *git.Repository) error {
	return repo.Push(&git.PushOptions{Auth: c.auth})
}

// RemoteCommit returns the commit at origin's copy of branch
func RemoteCommit(repo *git.Repository, branch string) *object.Commit {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	commit, err := repo.CommitObject(ref.Hash())
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return commit
}

// FileContent returns the content of name in commit, or false when absent
func FileContent(commit *object.Commit, name string) (string, bool) {
	f, err := commit.File(name)
	if err == object.ErrFileNotFound {
		return "", false
	}
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	content, err := f.Contents()
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return content, true
}
