// Package auth decides whether a request may read a project.
//
// A request is allowed when one of its credentials is a global token from the
// token store, or equals the project's override token. The override token is
// the trimmed content of the OverrideFileName file at the root of the
// project's source directory.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stacklok/gitbridge/internal/projects"
	"github.com/stacklok/gitbridge/internal/redact"
	"github.com/stacklok/gitbridge/internal/tokens"
)

const (
	// OverrideFileName holds a project-specific token inside the project directory
	OverrideFileName = ".gitbridge"

	maxOverrideSize = 4096
)

// Decision is the outcome of an authorization check
type Decision int

const (
	// Deny refuses the request
	Deny Decision = iota
	// Allow grants read access to the project
	Allow
)

// String returns the decision name.
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// SourceLocator resolves project source directories.
type SourceLocator interface {
	SourceDir(projectID string) (string, error)
}

// Gate evaluates read authorization for projects.
type Gate struct {
	store   tokens.Store
	sources SourceLocator
}

// NewGate creates a Gate over the global token store and project sources.
func NewGate(store tokens.Store, sources SourceLocator) *Gate {
	return &Gate{store: store, sources: sources}
}

// Check decides whether creds may read projectID. Errors are returned only
// when the token store cannot be consulted; a missing or unreadable override
// file is simply no override.
func (g *Gate) Check(ctx context.Context, projectID string, creds Credentials) (Decision, error) {
	if !creds.Present() {
		return Deny, nil
	}

	for _, cred := range creds {
		ok, err := g.store.Authorize(ctx, cred)
		if err != nil {
			return Deny, fmt.Errorf("failed to consult token store: %w", err)
		}
		if ok {
			return Allow, nil
		}
	}

	override := g.overrideToken(projectID)
	if override == "" {
		return Deny, nil
	}

	match := 0
	for _, cred := range creds {
		match |= subtle.ConstantTimeCompare([]byte(cred), []byte(override))
	}
	if match == 1 {
		return Allow, nil
	}
	return Deny, nil
}

// overrideToken returns the project's override token, or "" when there is none.
func (g *Gate) overrideToken(projectID string) string {
	dir, err := g.sources.SourceDir(projectID)
	if err != nil {
		if !errors.Is(err, projects.ErrNotFound) {
			slog.Warn("Failed to resolve project for override token", "project_id", projectID, "error", redact.PathError(err))
		}
		return ""
	}

	value, err := readOverride(filepath.Join(dir, OverrideFileName))
	if err != nil {
		slog.Warn("Ignoring unreadable override token file", "project_id", projectID, "error", redact.PathError(err))
		return ""
	}
	return value
}

func readOverride(path string) (string, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", OverrideFileName)
	}

	// #nosec G304 -- path is built from a validated project id
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxOverrideSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxOverrideSize {
		return "", fmt.Errorf("%s exceeds %d bytes", OverrideFileName, maxOverrideSize)
	}
	return strings.TrimSpace(string(data)), nil
}
