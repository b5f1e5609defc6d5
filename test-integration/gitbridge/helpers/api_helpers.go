package helpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/onsi/gomega"
)

// AdminClient calls the admin API
type AdminClient struct {
	server *ServerTestHelper
	key    string
}

// NewAdminClient creates a client authenticating with key
func NewAdminClient(server *ServerTestHelper, key string) *AdminClient {
	return &AdminClient{server: server, key: key}
}

// Do sends a request and returns the status code and body
func (a *AdminClient) Do(method, path, body string) (int, []byte) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.server.BaseURL()+"/admin/api"+path, reader)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	if a.key != "" {
		req.Header.Set("Authorization", "Bearer "+a.key)
	}

	resp, err := a.server.HTTPClient().Do(req)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return resp.StatusCode, data
}

// CreateToken creates a global token and returns its id and value
func (a *AdminClient) CreateToken(label string) (string, string) {
	status, body := a.Do(http.MethodPost, "/tokens", fmt.Sprintf(`{"label":%q}`, label))
	gomega.Expect(status).To(gomega.Equal(http.StatusCreated), string(body))

	var created struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	gomega.Expect(json.Unmarshal(body, &created)).To(gomega.Succeed())
	return created.ID, created.Token
}
