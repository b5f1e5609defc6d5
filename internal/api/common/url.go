package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/gitbridge/internal/validators"
)

// RepoSuffix terminates every repository path segment
const RepoSuffix = ".git"

// ErrNotRepository is returned for path segments that do not name a repository
var ErrNotRepository = errors.New("not a repository path")

// GetAndValidateURLParam extracts, decodes, and validates a URL parameter from the request.
// Returns the decoded value or an error if invalid.
// Validation rules:
// - Must not be empty after trimming whitespace
// - Must not contain any whitespace characters
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	encodedValue := chi.URLParam(r, paramName)

	decoded, err := url.PathUnescape(encodedValue)
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}

	if strings.ContainsAny(decoded, " \t\n\r") {
		return "", fmt.Errorf("%s cannot contain whitespace", paramName)
	}

	return decoded, nil
}

// ProjectIDFromRepoParam returns the project id named by a "<id>.git" path
// parameter. A segment without the suffix yields ErrNotRepository; a suffixed
// segment with an invalid id yields the validation error.
func ProjectIDFromRepoParam(r *http.Request, paramName string) (string, error) {
	segment, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotRepository, err)
	}
	id, ok := strings.CutSuffix(segment, RepoSuffix)
	if !ok {
		return "", ErrNotRepository
	}
	if err := validators.ValidateProjectID(id); err != nil {
		return "", err
	}
	return id, nil
}
