package git

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitbridge/internal/snapshot"
)

const mainBranchClient = "main"

func testSignature() object.Signature {
	return object.Signature{Name: "gitbridge", Email: "gitbridge@localhost", When: time.Unix(1700000000, 0).UTC()}
}

// fileAtTip returns the content of a file at the tip of the branch
func fileAtTip(client Client, repoInfo *RepositoryInfo, name string) ([]byte, error) {
	commit, err := client.Tip(repoInfo)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return nil, fmt.Errorf("branch %s has no commits", repoInfo.Branch)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	file, err := tree.File(name)
	if err != nil {
		return nil, err
	}
	content, err := file.Contents()
	return []byte(content), err
}

func initRepo(t *testing.T) (Client, *RepositoryInfo) {
	t.Helper()
	client := NewDefaultGitClient()
	path := filepath.Join(t.TempDir(), "p1.git")

	repoInfo, err := client.Init(context.Background(), &InitConfig{Path: path, Branch: mainBranchClient})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Cleanup(context.Background(), repoInfo) })
	return client, repoInfo
}

// commitFiles stores a snapshot of files and commits it on top of parent
func commitFiles(t *testing.T, client Client, repoInfo *RepositoryInfo, parent plumbing.Hash, files map[string]string) plumbing.Hash {
	t.Helper()

	var entries []snapshot.Entry
	for p, c := range files {
		content := c
		entries = append(entries, snapshot.Entry{
			Path: p,
			Mode: filemode.Regular,
			Size: int64(len(content)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(content)), nil
			},
		})
	}
	tree, err := snapshot.Build(entries)
	require.NoError(t, err)
	require.NoError(t, tree.Write(repoInfo.Storer()))

	hash, err := client.Commit(repoInfo, &CommitConfig{
		Tree:      tree.Hash(),
		Parent:    parent,
		Signature: testSignature(),
		Message:   "test",
	})
	require.NoError(t, err)
	return hash
}

func TestNewDefaultGitClient(t *testing.T) {
	t.Parallel()
	client := NewDefaultGitClient()
	require.NotNil(t, client)

	// Verify it returns the correct concrete type
	_, ok := client.(*defaultGitClient)
	assert.True(t, ok)
}

func TestDefaultGitClient_Init(t *testing.T) {
	t.Parallel()

	_, repoInfo := initRepo(t)

	head, err := repoInfo.Repository.Storer.Reference(plumbing.HEAD)
	require.NoError(t, err)
	assert.Equal(t, plumbing.SymbolicReference, head.Type())
	assert.Equal(t, plumbing.NewBranchReferenceName(mainBranchClient), head.Target())

	cfg, err := repoInfo.Repository.Config()
	require.NoError(t, err)
	assert.True(t, cfg.Core.IsBare)

	// No temporary directories are left behind
	entries, err := os.ReadDir(filepath.Dir(repoInfo.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1.git", entries[0].Name())
}

func TestDefaultGitClient_Init_ExistingPath(t *testing.T) {
	t.Parallel()

	client := NewDefaultGitClient()
	path := filepath.Join(t.TempDir(), "p1.git")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "objects"), 0o750))

	_, err := client.Init(context.Background(), &InitConfig{Path: path, Branch: mainBranchClient})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the temporary repository is removed")
}

func TestDefaultGitClient_Init_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewDefaultGitClient().Init(context.Background(), &InitConfig{})
	require.Error(t, err)
}

func TestDefaultGitClient_Open_NotExists(t *testing.T) {
	t.Parallel()

	_, err := NewDefaultGitClient().Open(filepath.Join(t.TempDir(), "missing.git"), mainBranchClient)
	require.ErrorIs(t, err, ErrRepositoryNotExists)
}

func TestDefaultGitClient_CommitAndUpdateBranch(t *testing.T) {
	t.Parallel()

	client, repoInfo := initRepo(t)

	tip, err := client.Tip(repoInfo)
	require.NoError(t, err)
	assert.Nil(t, tip, "a new repository has an unborn branch")

	first := commitFiles(t, client, repoInfo, plumbing.ZeroHash, map[string]string{"main.tex": "v1"})

	// Writing a commit does not move the branch
	tip, err = client.Tip(repoInfo)
	require.NoError(t, err)
	assert.Nil(t, tip)

	require.NoError(t, client.UpdateBranch(repoInfo, first, plumbing.ZeroHash))
	tip, err = client.Tip(repoInfo)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, first, tip.Hash)
	assert.Empty(t, tip.ParentHashes)
	assert.Equal(t, "gitbridge", tip.Author.Name)
	assert.Equal(t, tip.Author, tip.Committer)

	content, err := fileAtTip(client, repoInfo, "main.tex")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	second := commitFiles(t, client, repoInfo, first, map[string]string{"main.tex": "v2"})
	require.NoError(t, client.UpdateBranch(repoInfo, second, first))

	tip, err = client.Tip(repoInfo)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{first}, tip.ParentHashes)

	content, err = fileAtTip(client, repoInfo, "main.tex")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
}

func TestDefaultGitClient_UpdateBranch_Moved(t *testing.T) {
	t.Parallel()

	client, repoInfo := initRepo(t)
	first := commitFiles(t, client, repoInfo, plumbing.ZeroHash, map[string]string{"a": "1"})
	require.NoError(t, client.UpdateBranch(repoInfo, first, plumbing.ZeroHash))

	second := commitFiles(t, client, repoInfo, first, map[string]string{"a": "2"})
	third := commitFiles(t, client, repoInfo, first, map[string]string{"a": "3"})
	require.NoError(t, client.UpdateBranch(repoInfo, second, first))

	err := client.UpdateBranch(repoInfo, third, first)
	require.ErrorIs(t, err, ErrBranchMoved)

	err = client.UpdateBranch(repoInfo, third, plumbing.ZeroHash)
	require.ErrorIs(t, err, ErrBranchMoved)

	tip, err := client.Tip(repoInfo)
	require.NoError(t, err)
	assert.Equal(t, second, tip.Hash)
}

func TestDefaultGitClient_Remove(t *testing.T) {
	t.Parallel()

	client, repoInfo := initRepo(t)
	path := repoInfo.Path

	require.NoError(t, client.Remove(context.Background(), path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Removing a missing repository is not an error
	require.NoError(t, client.Remove(context.Background(), path))
}

func TestDefaultGitClient_Cleanup_NilRepoInfo(t *testing.T) {
	t.Parallel()
	client := NewDefaultGitClient()

	require.Error(t, client.Cleanup(context.Background(), nil))
	require.Error(t, client.Cleanup(context.Background(), &RepositoryInfo{}))
}

func TestDefaultGitClient_NilRepository(t *testing.T) {
	t.Parallel()
	client := NewDefaultGitClient()
	repoInfo := &RepositoryInfo{}

	_, err := client.Tip(nil)
	require.Error(t, err)

	_, err = client.Commit(repoInfo, &CommitConfig{})
	require.Error(t, err)

	require.Error(t, client.UpdateBranch(repoInfo, plumbing.ZeroHash, plumbing.ZeroHash))
}
