// Package tokens provides the global access token store.
//
// Only SHA-256 digests of token values are persisted. A raw value is
// returned exactly once, when the token is created.
package tokens

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

var (
	// ErrStorage is wrapped by every error caused by reading or writing the
	// backing file. Callers must never treat it as "no tokens".
	ErrStorage = errors.New("token storage failure")

	// ErrInvalidLabel is returned when a label is too long or not printable.
	ErrInvalidLabel = errors.New("invalid token label")
)

// Store manages global tokens, each of which grants read access to every project.
type Store interface {
	// Authorize reports whether credential is a current global token.
	Authorize(ctx context.Context, credential string) (bool, error)

	// List returns descriptors of all tokens ordered by creation time.
	List(ctx context.Context) ([]Descriptor, error)

	// Create mints a new token. The returned value is not retrievable later.
	Create(ctx context.Context, label string) (*Created, error)

	// Delete removes a token by id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}

// Descriptor describes a token without revealing its value.
type Descriptor struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Hint      string    `json:"hint"`
	CreatedAt time.Time `json:"created_at"`
}

// Created is returned once when a token is minted.
type Created struct {
	Descriptor
	Token string `json:"token"`
}
