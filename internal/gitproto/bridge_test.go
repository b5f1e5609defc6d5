package gitproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gitbridge/internal/git"
	"github.com/stacklok/gitbridge/internal/mirror"
	"github.com/stacklok/gitbridge/internal/pktline"
	"github.com/stacklok/gitbridge/internal/projects"
)

const testBranch = "master"

type fixture struct {
	projectsRoot string
	gitRoot      string
	engine       mirror.Engine
	bridge       *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		projectsRoot: t.TempDir(),
		gitRoot:      t.TempDir(),
	}
	e, err := mirror.NewEngine(mirror.Config{GitRoot: f.gitRoot, Branch: testBranch}, projects.NewResolver(f.projectsRoot))
	require.NoError(t, err)
	f.engine = e
	f.bridge = NewBridge(f.gitRoot, testBranch)
	return f
}

func (f *fixture) write(t *testing.T, projectID string, files map[string]string) {
	t.Helper()
	for p, c := range files {
		full := filepath.Join(f.projectsRoot, projectID, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte(c), 0o600))
	}
}

func (f *fixture) sync(t *testing.T, projectID string) {
	t.Helper()
	_, err := f.engine.Sync(context.Background(), projectID)
	require.NoError(t, err)
}

func (f *fixture) tip(t *testing.T, projectID string) plumbing.Hash {
	t.Helper()
	repo, err := gogit.PlainOpen(filepath.Join(f.gitRoot, projectID+".git"))
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(testBranch), true)
	require.NoError(t, err)
	return ref.Hash()
}

// server exposes the bridge over smart HTTP, syncing before every request
// the way the API layer does.
func (f *fixture) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /git/{repo}/info/refs", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(r.PathValue("repo"), ".git")
		svc, err := ParseService(r.URL.Query().Get("service"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		if _, err := f.engine.Sync(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", svc.AdvertisementContentType())
		if err := f.bridge.Advertise(r.Context(), id, svc, w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("POST /git/{repo}/git-upload-pack", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(r.PathValue("repo"), ".git")
		if _, err := f.engine.Sync(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", UploadPack.ResultContentType())
		if err := f.bridge.UploadPack(r.Context(), id, r.Body, w); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readFile(t *testing.T, wt *gogit.Worktree, name string) string {
	t.Helper()
	file, err := wt.Filesystem.Open(name)
	require.NoError(t, err)
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	return string(data)
}

func TestBridge_CloneAndFetch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "p1", map[string]string{
		"main.tex":         "\\documentclass{article}\n",
		"chapters/one.tex": "one\n",
		"main.aux":         "ignored\n",
	})
	srv := f.server(t)
	url := srv.URL + "/git/p1.git"

	repo, err := gogit.Clone(memory.NewStorage(), memfs.New(), &gogit.CloneOptions{URL: url})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.NewBranchReferenceName(testBranch), head.Name())
	assert.Equal(t, f.tip(t, "p1"), head.Hash())

	wt, err := repo.Worktree()
	require.NoError(t, err)
	assert.Equal(t, "\\documentclass{article}\n", readFile(t, wt, "main.tex"))
	assert.Equal(t, "one\n", readFile(t, wt, "chapters/one.tex"))
	_, err = wt.Filesystem.Stat("main.aux")
	assert.Error(t, err)

	// Nothing changed
	err = repo.Fetch(&gogit.FetchOptions{})
	assert.ErrorIs(t, err, gogit.NoErrAlreadyUpToDate)

	f.write(t, "p1", map[string]string{"chapters/two.tex": "two\n"})
	require.NoError(t, repo.Fetch(&gogit.FetchOptions{}))

	remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", testBranch), true)
	require.NoError(t, err)
	assert.Equal(t, f.tip(t, "p1"), remote.Hash())

	commit, err := repo.CommitObject(remote.Hash())
	require.NoError(t, err)
	require.Len(t, commit.ParentHashes, 1)
	assert.Equal(t, head.Hash(), commit.ParentHashes[0])
}

func TestBridge_FetchAfterRecreation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "p1", map[string]string{"a.tex": "first life\n"})
	srv := f.server(t)
	url := srv.URL + "/git/p1.git"

	repo, err := gogit.Clone(memory.NewStorage(), memfs.New(), &gogit.CloneOptions{URL: url})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(f.projectsRoot, "p1")))
	f.sync(t, "p1")
	f.write(t, "p1", map[string]string{"b.tex": "second life\n"})

	// The client's haves are unknown to the new mirror
	err = repo.Fetch(&gogit.FetchOptions{
		RefSpecs: []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	})
	require.NoError(t, err)

	remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", testBranch), true)
	require.NoError(t, err)
	assert.Equal(t, f.tip(t, "p1"), remote.Hash())

	commit, err := repo.CommitObject(remote.Hash())
	require.NoError(t, err)
	assert.Empty(t, commit.ParentHashes)
}

func TestBridge_CloneEmptyProject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.projectsRoot, "empty"), 0o750))
	srv := f.server(t)

	repo, err := gogit.Clone(memory.NewStorage(), memfs.New(), &gogit.CloneOptions{URL: srv.URL + "/git/empty.git"})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)
	// The default ignore file is the only entry
	require.Len(t, tree.Entries, 1)
	assert.Equal(t, ".gitignore", tree.Entries[0].Name)
}

func TestBridge_Advertise(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "p1", map[string]string{"main.tex": "x\n"})
	f.sync(t, "p1")
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, f.bridge.Advertise(ctx, "p1", UploadPack, &buf))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "001e# service=git-upload-pack\n0000"), out)
	assert.Contains(t, out, f.tip(t, "p1").String()+" HEAD\x00")
	assert.Contains(t, out, "symref=HEAD:refs/heads/master")
	assert.Contains(t, out, "agent=gitbridge/")
	assert.Contains(t, out, "refs/heads/master\n")
	assert.True(t, strings.HasSuffix(out, "0000"))

	buf.Reset()
	err := f.bridge.Advertise(ctx, "p1", ReceivePack, &buf)
	require.ErrorIs(t, err, ErrWriteRejected)
	assert.Zero(t, buf.Len())

	err = f.bridge.Advertise(ctx, "p1", Service("git-upload-archive"), &buf)
	require.ErrorIs(t, err, ErrUnsupportedService)

	err = f.bridge.Advertise(ctx, "missing", UploadPack, &buf)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, buf.Len())
}

// uploadRequest encodes a stateless upload-pack request body.
func uploadRequest(t *testing.T, wants, haves []plumbing.Hash, done bool) *bytes.Buffer {
	t.Helper()

	req := packp.NewUploadRequest()
	req.Wants = wants
	var buf bytes.Buffer
	require.NoError(t, req.Encode(&buf))

	enc := pktline.NewEncoder(&buf)
	for _, h := range haves {
		require.NoError(t, enc.Writef("have %s\n", h))
	}
	if len(haves) > 0 {
		require.NoError(t, enc.Flush())
	}
	if done {
		require.NoError(t, enc.WriteString("done\n"))
	}
	return &buf
}

func TestBridge_UploadPack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, "p1", map[string]string{"main.tex": "x\n"})
	f.sync(t, "p1")
	tip := f.tip(t, "p1")
	unknown := plumbing.NewHash("1111111111111111111111111111111111111111")
	ctx := context.Background()

	t.Run("negotiation round", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", uploadRequest(t, []plumbing.Hash{tip}, []plumbing.Hash{unknown}, false), &out)
		require.NoError(t, err)
		assert.Equal(t, "0008NAK\n", out.String())
	})

	t.Run("unknown haves are ignored", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", uploadRequest(t, []plumbing.Hash{tip}, []plumbing.Hash{unknown}, true), &out)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out.String(), "0008NAK\nPACK"), "response starts %q", out.String()[:min(out.Len(), 16)])
	})

	t.Run("common have is acknowledged", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", uploadRequest(t, []plumbing.Hash{tip}, []plumbing.Hash{unknown, tip}, true), &out)
		require.NoError(t, err)
		want := "0031ACK " + tip.String() + "\nPACK"
		assert.True(t, strings.HasPrefix(out.String(), want), "response starts %q", out.String()[:min(out.Len(), len(want))])
	})

	t.Run("malformed have", func(t *testing.T) {
		t.Parallel()

		req := packp.NewUploadRequest()
		req.Wants = []plumbing.Hash{tip}
		var body bytes.Buffer
		require.NoError(t, req.Encode(&body))
		enc := pktline.NewEncoder(&body)
		require.NoError(t, enc.WriteString("have not-a-hash\n"))
		require.NoError(t, enc.WriteString("done\n"))

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", &body, &out)
		require.ErrorIs(t, err, ErrProtocol)
		assert.Contains(t, err.Error(), "invalid have")
		assert.Zero(t, out.Len())
	})

	t.Run("unknown want", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", uploadRequest(t, []plumbing.Hash{unknown}, nil, true), &out)
		require.ErrorIs(t, err, ErrProtocol)
		assert.Zero(t, out.Len())
	})

	t.Run("malformed body", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		err := f.bridge.UploadPack(ctx, "p1", strings.NewReader("zzzz garbage"), &out)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("unexpected line after wants", func(t *testing.T) {
		t.Parallel()

		body := uploadRequest(t, []plumbing.Hash{tip}, nil, false)
		require.NoError(t, pktline.NewEncoder(body).WriteString("deepen-not x\n"))
		err := f.bridge.UploadPack(ctx, "p1", body, io.Discard)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("shallow", func(t *testing.T) {
		t.Parallel()

		req := packp.NewUploadRequest()
		req.Wants = []plumbing.Hash{tip}
		req.Depth = packp.DepthCommits(1)
		var body bytes.Buffer
		require.NoError(t, req.Encode(&body))
		require.NoError(t, pktline.NewEncoder(&body).WriteString("done\n"))

		err := f.bridge.UploadPack(ctx, "p1", &body, io.Discard)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("missing mirror", func(t *testing.T) {
		t.Parallel()

		err := f.bridge.UploadPack(ctx, "missing", uploadRequest(t, []plumbing.Hash{tip}, nil, true), io.Discard)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestParseService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		wantErr bool
		write   bool
	}{
		{name: "git-upload-pack"},
		{name: "git-receive-pack", write: true},
		{name: "", wantErr: true},
		{name: "git-upload-archive", wantErr: true},
		{name: "GIT-UPLOAD-PACK", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, err := ParseService(tt.name)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedService)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.write, svc.IsWrite())
		})
	}

	assert.Equal(t, "application/x-git-upload-pack-advertisement", UploadPack.AdvertisementContentType())
	assert.Equal(t, "application/x-git-upload-pack-result", UploadPack.ResultContentType())
}

// unreadableClient fails to open every mirror with a filesystem error
type unreadableClient struct {
	git.Client
}

func (unreadableClient) Open(path, _ string) (*git.RepositoryInfo, error) {
	return nil, fmt.Errorf("failed to open repository: %w",
		&fs.PathError{Op: "open", Path: filepath.Join(path, "config"), Err: fs.ErrPermission})
}

func TestBridge_ErrorsOmitGitRoot(t *testing.T) {
	t.Parallel()

	gitRoot := t.TempDir()
	b := NewBridge(gitRoot, testBranch, WithGitClient(unreadableClient{Client: git.NewDefaultGitClient()}))
	ctx := context.Background()

	err := b.Advertise(ctx, "p1", UploadPack, io.Discard)
	require.ErrorIs(t, err, fs.ErrPermission)
	assert.NotContains(t, err.Error(), gitRoot)
	assert.Contains(t, err.Error(), filepath.Join("$GIT_ROOT", "p1.git", "config"))

	want := plumbing.NewHash("1111111111111111111111111111111111111111")
	err = b.UploadPack(ctx, "p1", uploadRequest(t, []plumbing.Hash{want}, nil, true), io.Discard)
	require.ErrorIs(t, err, fs.ErrPermission)
	assert.NotContains(t, err.Error(), gitRoot)
}
