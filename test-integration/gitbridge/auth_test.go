package integration

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/gitbridge/internal/auth"
	"github.com/stacklok/gitbridge/internal/config"
	"github.com/stacklok/gitbridge/test-integration/gitbridge/helpers"
)

var _ = Describe("Authentication", Label("auth"), func() {
	var (
		tempDir       string
		projectHelper *helpers.ProjectTestHelper
		serverHelper  *helpers.ServerTestHelper
		admin         *helpers.AdminClient
	)

	BeforeEach(func() {
		tempDir = createTempDir("gitbridge-auth-")
		dataDir := filepath.Join(tempDir, "data")

		projectHelper = helpers.NewProjectTestHelper(filepath.Join(dataDir, config.DefaultProjectsDir))
		projectHelper.WriteFile("p1", "main.tex", "one")
		projectHelper.WriteFile("p2", "main.tex", "two")

		serverHelper = helpers.NewServerTestHelper(dataDir, filepath.Join(tempDir, "git"), "admin-key")
		Expect(serverHelper.StartServer(ctx)).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		admin = helpers.NewAdminClient(serverHelper, "admin-key")
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	It("should require credentials", func() {
		_, err := helpers.NewGitClient("").Clone(serverHelper.RepoURL("p1"))
		Expect(err).To(MatchError(transport.ErrAuthenticationRequired))

		_, err = helpers.NewGitClient("not-a-token").Clone(serverHelper.RepoURL("p1"))
		Expect(err).To(MatchError(transport.ErrAuthenticationRequired))
	})

	It("should send a basic challenge", func() {
		resp, err := serverHelper.HTTPClient().Get(serverHelper.RepoURL("p1") + "/info/refs?service=git-upload-pack")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(resp.Header.Get("WWW-Authenticate")).To(HavePrefix("Basic realm="))
	})

	It("should accept global tokens for every project", func() {
		_, token := admin.CreateToken("global")
		client := helpers.NewGitClient(token)

		for _, id := range []string{"p1", "p2"} {
			_, err := client.Clone(serverHelper.RepoURL(id))
			Expect(err).NotTo(HaveOccurred(), id)
		}
	})

	It("should stop accepting a deleted token", func() {
		id, token := admin.CreateToken("short-lived")
		client := helpers.NewGitClient(token)

		_, err := client.Clone(serverHelper.RepoURL("p1"))
		Expect(err).NotTo(HaveOccurred())

		status, _ := admin.Do(http.MethodDelete, "/tokens/"+id, "")
		Expect(status).To(Equal(http.StatusNoContent))

		_, err = client.Clone(serverHelper.RepoURL("p1"))
		Expect(err).To(MatchError(transport.ErrAuthenticationRequired))
	})

	It("should scope override tokens to their project", func() {
		projectHelper.SetOverrideToken("p2", "p2-only")
		client := helpers.NewGitClient("p2-only")

		repo, err := client.Clone(serverHelper.RepoURL("p2"))
		Expect(err).NotTo(HaveOccurred())
		_, ok := helpers.FileContent(helpers.RemoteCommit(repo, config.DefaultBranch), auth.OverrideFileName)
		Expect(ok).To(BeFalse())

		_, err = client.Clone(serverHelper.RepoURL("p1"))
		Expect(err).To(MatchError(transport.ErrAuthenticationRequired))
	})
})
