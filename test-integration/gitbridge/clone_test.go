package integration

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/gitbridge/internal/config"
	"github.com/stacklok/gitbridge/test-integration/gitbridge/helpers"
)

var _ = Describe("Clone and Fetch", Label("git"), func() {
	var (
		tempDir       string
		projectHelper *helpers.ProjectTestHelper
		serverHelper  *helpers.ServerTestHelper
		client        *helpers.GitClient
	)

	BeforeEach(func() {
		tempDir = createTempDir("gitbridge-clone-")
		dataDir := filepath.Join(tempDir, "data")
		gitRoot := filepath.Join(tempDir, "git")

		projectHelper = helpers.NewProjectTestHelper(filepath.Join(dataDir, config.DefaultProjectsDir))
		serverHelper = helpers.NewServerTestHelper(dataDir, gitRoot, "admin-key")
		Expect(serverHelper.StartServer(ctx)).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		_, token := helpers.NewAdminClient(serverHelper, "admin-key").CreateToken("integration")
		client = helpers.NewGitClient(token)
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	Context("Project lifecycle", func() {
		It("should follow the project through edits and deletion", func() {
			By("cloning a new project")
			projectHelper.WriteFile("p1", "main.tex", "\\documentclass{article}\n")
			projectHelper.WriteFile("p1", "chapters/intro.tex", "Hello\n")

			repo, err := client.Clone(serverHelper.RepoURL("p1"))
			Expect(err).NotTo(HaveOccurred())

			first := helpers.RemoteCommit(repo, config.DefaultBranch)
			Expect(first.ParentHashes).To(BeEmpty())
			content, ok := helpers.FileContent(first, "chapters/intro.tex")
			Expect(ok).To(BeTrue())
			Expect(content).To(Equal("Hello\n"))

			By("fetching without changes")
			Expect(client.Fetch(repo)).To(Succeed())
			Expect(helpers.RemoteCommit(repo, config.DefaultBranch).Hash).To(Equal(first.Hash))

			By("fetching after an edit")
			projectHelper.WriteFile("p1", "chapters/intro.tex", "Hello, world\n")
			projectHelper.RemoveFile("p1", "main.tex")
			Expect(client.Fetch(repo)).To(Succeed())

			second := helpers.RemoteCommit(repo, config.DefaultBranch)
			Expect(second.ParentHashes).To(ConsistOf([]plumbing.Hash{first.Hash}))
			content, _ = helpers.FileContent(second, "chapters/intro.tex")
			Expect(content).To(Equal("Hello, world\n"))
			_, ok = helpers.FileContent(second, "main.tex")
			Expect(ok).To(BeFalse())

			By("fetching after the project is deleted")
			projectHelper.DeleteProject("p1")
			Expect(client.Fetch(repo)).To(MatchError(transport.ErrRepositoryNotFound))

			_, err = os.Stat(serverHelper.Config().MirrorPath("p1"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})

	Context("Build artifacts", func() {
		It("should leave compiler output out of the snapshot", func() {
			projectHelper.WriteFile("p2", "main.tex", "x")
			projectHelper.WriteFile("p2", "main.aux", "aux")
			projectHelper.WriteFile("p2", "output.pdf", "pdf")

			repo, err := client.Clone(serverHelper.RepoURL("p2"))
			Expect(err).NotTo(HaveOccurred())

			head := helpers.RemoteCommit(repo, config.DefaultBranch)
			_, ok := helpers.FileContent(head, "main.tex")
			Expect(ok).To(BeTrue())
			_, ok = helpers.FileContent(head, "main.aux")
			Expect(ok).To(BeFalse())
			_, ok = helpers.FileContent(head, "output.pdf")
			Expect(ok).To(BeFalse())
		})
	})

	Context("Write access", func() {
		It("should reject pushes", func() {
			projectHelper.WriteFile("p3", "main.tex", "x")
			repo, err := client.Clone(serverHelper.RepoURL("p3"))
			Expect(err).NotTo(HaveOccurred())

			Expect(client.Push(repo)).To(MatchError(transport.ErrAuthorizationFailed))
		})
	})

	Context("Unknown projects", func() {
		It("should answer not found without creating a mirror", func() {
			_, err := client.Clone(serverHelper.RepoURL("missing"))
			Expect(err).To(MatchError(transport.ErrRepositoryNotFound))

			_, err = os.Stat(serverHelper.Config().MirrorPath("missing"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("should not serve a project without the repository suffix", func() {
			projectHelper.WriteFile("p4", "main.tex", "x")
			_, err := client.Clone(serverHelper.BaseURL() + "/git/p4")
			Expect(err).To(HaveOccurred())
		})
	})
})
