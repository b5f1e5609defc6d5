// Package gitproto serves the read side of the Git smart HTTP protocol from
// mirror repositories.
package gitproto

import (
	"errors"
	"fmt"
)

// Service is a git smart protocol service
type Service string

const (
	// UploadPack serves fetches and clones
	UploadPack Service = "git-upload-pack"
	// ReceivePack serves pushes; it is always rejected
	ReceivePack Service = "git-receive-pack"
)

var (
	// ErrWriteRejected is returned for any service that would modify a mirror
	ErrWriteRejected = errors.New("mirror is read-only")

	// ErrUnsupportedService is returned for unknown services
	ErrUnsupportedService = errors.New("unsupported service")

	// ErrProtocol is returned when a client sends a malformed request
	ErrProtocol = errors.New("malformed git protocol request")

	// ErrNotFound is returned when the mirror disappeared before it could be served
	ErrNotFound = errors.New("mirror not found")
)

// ParseService parses a service name. Write services are returned without
// error so that callers can reject them explicitly with IsWrite.
func ParseService(name string) (Service, error) {
	switch s := Service(name); s {
	case UploadPack, ReceivePack:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedService, name)
	}
}

// IsWrite reports whether the service modifies the repository.
func (s Service) IsWrite() bool {
	return s == ReceivePack
}

// AdvertisementContentType is the content type of the ref advertisement.
func (s Service) AdvertisementContentType() string {
	return fmt.Sprintf("application/x-%s-advertisement", s)
}

// ResultContentType is the content type of the service response.
func (s Service) ResultContentType() string {
	return fmt.Sprintf("application/x-%s-result", s)
}
