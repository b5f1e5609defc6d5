package helpers

import (
	"os"
	"path/filepath"

	"github.com/onsi/gomega"

	"github.com/stacklok/gitbridge/internal/auth"
)

// ProjectTestHelper edits project directories the way the editing platform does
type ProjectTestHelper struct {
	root string
}

// NewProjectTestHelper creates a helper for the projects stored in root
func NewProjectTestHelper(root string) *ProjectTestHelper {
	gomega.Expect(os.MkdirAll(root, 0750)).To(gomega.Succeed())
	return &ProjectTestHelper{root: root}
}

// WriteFile writes a file of a project, creating the project as needed
func (p *ProjectTestHelper) WriteFile(projectID, name, content string) {
	path := filepath.Join(p.root, projectID, filepath.FromSlash(name))
	gomega.Expect(os.MkdirAll(filepath.Dir(path), 0750)).To(gomega.Succeed())
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
}

// RemoveFile deletes a file of a project
func (p *ProjectTestHelper) RemoveFile(projectID, name string) {
	gomega.Expect(os.Remove(filepath.Join(p.root, projectID, filepath.FromSlash(name)))).To(gomega.Succeed())
}

// SetOverrideToken gives a project its own access token
func (p *ProjectTestHelper) SetOverrideToken(projectID, token string) {
	p.WriteFile(projectID, auth.OverrideFileName, token+"\n")
}

// DeleteProject removes a project directory
func (p *ProjectTestHelper) DeleteProject(projectID string) {
	gomega.Expect(os.RemoveAll(filepath.Join(p.root, projectID))).To(gomega.Succeed())
}
