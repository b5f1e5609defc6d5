// Package helpers provides the fixtures shared by the integration tests.
package helpers

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	"github.com/stacklok/gitbridge/cmd/gitbridge/app"
	"github.com/stacklok/gitbridge/internal/config"
)

// ServerTestHelper manages the gitbridge server lifecycle for testing
type ServerTestHelper struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
	cancel     context.CancelFunc
	done       chan error
}

// NewServerTestHelper creates a server serving the projects below dataDir,
// with its mirrors and token store below gitRoot.
func NewServerTestHelper(dataDir, gitRoot, adminKey string) *ServerTestHelper {
	return &ServerTestHelper{
		cfg: &config.Config{
			Address:           "127.0.0.1:0",
			DataPath:          dataDir,
			ProjectsDir:       config.DefaultProjectsDir,
			GitRoot:           gitRoot,
			TokensFile:        filepath.Join(gitRoot, config.TokensFileName),
			Branch:            config.DefaultBranch,
			AdminKey:          adminKey,
			CommitAuthorName:  "gitbridge",
			CommitAuthorEmail: "gitbridge@localhost",
		},
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Config returns the configuration the server runs with
func (s *ServerTestHelper) Config() *config.Config {
	return s.cfg
}

// StartServer starts the server and waits until it accepts connections
func (s *ServerTestHelper) StartServer(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	ready := make(chan string, 1)
	s.done = make(chan error, 1)

	go func() {
		s.done <- app.Serve(ctx, s.cfg, ready)
	}()

	select {
	case addr := <-ready:
		s.baseURL = "http://" + addr
		return nil
	case err := <-s.done:
		return fmt.Errorf("server exited during startup: %w", err)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not start in time")
	}
}

// StopServer gracefully stops the server
func (s *ServerTestHelper) StopServer() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case err := <-s.done:
		return err
	case <-time.After(35 * time.Second):
		return fmt.Errorf("server did not stop in time")
	}
}

// WaitForServerReady waits for the readiness endpoint to report success
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() int {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return 0
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}, timeout, 100*time.Millisecond).Should(gomega.Equal(http.StatusOK))
}

// BaseURL returns the server's base URL
func (s *ServerTestHelper) BaseURL() string {
	return s.baseURL
}

// RepoURL returns the clone URL of a project
func (s *ServerTestHelper) RepoURL(projectID string) string {
	return s.baseURL + "/git/" + projectID + ".git"
}

// HTTPClient returns the client used against the server
func (s *ServerTestHelper) HTTPClient() *http.Client {
	return s.httpClient
}
