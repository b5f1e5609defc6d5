package integration

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/gitbridge/internal/api/admin"
	"github.com/stacklok/gitbridge/internal/config"
	"github.com/stacklok/gitbridge/internal/status"
	"github.com/stacklok/gitbridge/test-integration/gitbridge/helpers"
)

var _ = Describe("Admin API", Label("admin"), func() {
	var (
		tempDir       string
		projectHelper *helpers.ProjectTestHelper
		serverHelper  *helpers.ServerTestHelper
		client        *helpers.AdminClient
	)

	BeforeEach(func() {
		tempDir = createTempDir("gitbridge-admin-")
		dataDir := filepath.Join(tempDir, "data")

		projectHelper = helpers.NewProjectTestHelper(filepath.Join(dataDir, config.DefaultProjectsDir))
		serverHelper = helpers.NewServerTestHelper(dataDir, filepath.Join(tempDir, "git"), "admin-key")
		Expect(serverHelper.StartServer(ctx)).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)

		client = helpers.NewAdminClient(serverHelper, "admin-key")
	})

	AfterEach(func() {
		if serverHelper != nil {
			Expect(serverHelper.StopServer()).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	It("should reject a wrong key", func() {
		code, _ := helpers.NewAdminClient(serverHelper, "wrong").Do(http.MethodGet, "/tokens", "")
		Expect(code).To(Equal(http.StatusUnauthorized))
	})

	It("should list tokens without their values", func() {
		id, token := client.CreateToken("laptop")

		code, body := client.Do(http.MethodGet, "/tokens", "")
		Expect(code).To(Equal(http.StatusOK))

		var list admin.TokenListResponse
		Expect(json.Unmarshal(body, &list)).To(Succeed())
		Expect(list.Tokens).To(HaveLen(1))
		Expect(list.Tokens[0].ID).To(Equal(id))
		Expect(list.Tokens[0].Label).To(Equal("laptop"))
		Expect(string(body)).NotTo(ContainSubstring(token))
	})

	It("should sync projects on demand and report their status", func() {
		projectHelper.WriteFile("p1", "main.tex", "x")

		code, body := client.Do(http.MethodPost, "/projects/p1/sync", "")
		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(MatchJSON(`{"project_id":"p1","outcome":"updated"}`))

		code, body = client.Do(http.MethodPost, "/projects/p1/sync", "")
		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(MatchJSON(`{"project_id":"p1","outcome":"up_to_date"}`))

		code, body = client.Do(http.MethodGet, "/projects/p1", "")
		Expect(code).To(Equal(http.StatusOK))
		var ps status.ProjectStatus
		Expect(json.Unmarshal(body, &ps)).To(Succeed())
		Expect(ps.Phase).To(Equal(status.SyncPhaseComplete))
		Expect(ps.LastCommit).NotTo(BeEmpty())
	})
})
