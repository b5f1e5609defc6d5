package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const fileFormatVersion = 1

// legacyNamespace derives stable ids for tokens loaded from the legacy
// {"managed_tokens": {...}} format, which had no ids.
var legacyNamespace = uuid.MustParse("4f0c7a52-6f8e-4d55-9a57-3b1de0c6a9d1")

// record is a persisted token
type record struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Hash      string    `json:"hash"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// fileFormat is the on-disk layout of the tokens file
type fileFormat struct {
	Version int      `json:"version"`
	Tokens  []record `json:"tokens"`

	// ManagedTokens maps raw token values to descriptions in legacy files.
	// It is read but never written.
	ManagedTokens map[string]string `json:"managed_tokens,omitempty"`
}

// fileStore implements Store on top of a JSON file.
//
// Reads are served from memory and reloaded whenever the file is replaced,
// so edits made by another process (for example the tokens CLI) are observed.
// Mutations hold an exclusive advisory lock on a sibling ".lock" file, re-read
// the file, and replace it atomically.
type fileStore struct {
	path string
	lock *flock.Flock

	mu      sync.RWMutex
	records []record
	digests []digest
	info    fs.FileInfo // nil when the file did not exist at last load

	now    func() time.Time
	random io.Reader
}

// NewFileStore opens the token store backed by path. The file is created on
// the first mutation; a missing file is an empty store.
func NewFileStore(path string) (Store, error) {
	return newFileStore(path)
}

func newFileStore(path string) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create token directory: %w", ErrStorage, err)
	}

	s := &fileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		now:    time.Now,
		random: defaultRandom,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Authorize reports whether credential matches a current token.
func (s *fileStore) Authorize(_ context.Context, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}
	if err := s.refresh(); err != nil {
		return false, err
	}

	candidate := digestOf(credential)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return matchAny(candidate, s.digests), nil
}

// List returns all token descriptors ordered by creation time, then id.
func (s *fileStore) List(_ context.Context) ([]Descriptor, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Descriptor, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, Descriptor{
			ID:        rec.ID,
			Label:     rec.Label,
			Hint:      rec.Hint,
			CreatedAt: rec.CreatedAt,
		})
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Create mints and persists a new token.
func (s *fileStore) Create(_ context.Context, label string) (*Created, error) {
	label, err := normalizeLabel(label)
	if err != nil {
		return nil, err
	}

	value, err := newTokenValue(s.random)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	rec := record{
		ID:        uuid.NewString(),
		Label:     label,
		Hash:      digestOf(value).String(),
		Hint:      hintOf(value),
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}

	err = s.mutate(func(records []record) ([]record, error) {
		return append(records, rec), nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Token created", "token_id", rec.ID, "label", rec.Label)

	return &Created{
		Descriptor: Descriptor{
			ID:        rec.ID,
			Label:     rec.Label,
			Hint:      rec.Hint,
			CreatedAt: rec.CreatedAt,
		},
		Token: value,
	}, nil
}

// Delete removes the token with the given id.
func (s *fileStore) Delete(_ context.Context, id string) (bool, error) {
	var found bool
	err := s.mutate(func(records []record) ([]record, error) {
		out := records[:0]
		for _, rec := range records {
			if rec.ID == id {
				found = true
				continue
			}
			out = append(out, rec)
		}
		if !found {
			return nil, errNoChange
		}
		return out, nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	slog.Info("Token deleted", "token_id", id)
	return true, nil
}

// errNoChange lets a mutation skip the write.
var errNoChange = errors.New("no change")

// mutate applies fn to the current on-disk records and persists the result.
// On failure the in-memory set reflects the file as it was before.
func (s *fileStore) mutate(fn func([]record) ([]record, error)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: failed to lock token file: %w", ErrStorage, err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("Failed to unlock token file", "error", err)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}

	next, err := fn(slices.Clone(s.records))
	if err != nil {
		return err
	}

	if err := s.writeLocked(next); err != nil {
		return err
	}
	return s.reloadLocked()
}

// refresh reloads the cache if the file changed since the last load.
func (s *fileStore) refresh() error {
	info, err := s.stat()
	if err != nil {
		return err
	}

	s.mu.RLock()
	current := sameFile(s.info, info)
	s.mu.RUnlock()
	if current {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *fileStore) stat() (fs.FileInfo, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return info, nil
}

func sameFile(a, b fs.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

// reloadLocked reads the file into the cache. mu must be held for writing.
func (s *fileStore) reloadLocked() error {
	info, err := s.stat()
	if err != nil {
		return err
	}
	if info == nil {
		s.records, s.digests, s.info = nil, nil, nil
		return nil
	}

	// #nosec G304 -- path comes from configuration, not from requests
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: failed to read token file: %w", ErrStorage, err)
	}

	records, err := decodeFile(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorage, s.path, err)
	}

	digests := make([]digest, 0, len(records))
	for _, rec := range records {
		d, err := parseDigest(rec.Hash)
		if err != nil {
			return fmt.Errorf("%w: %s: token %s: %w", ErrStorage, s.path, rec.ID, err)
		}
		digests = append(digests, d)
	}

	s.records, s.digests, s.info = records, digests, info
	return nil
}

// writeLocked persists records through a temporary file and an atomic rename.
func (s *fileStore) writeLocked(records []record) error {
	if records == nil {
		records = []record{}
	}
	data, err := json.MarshalIndent(fileFormat{Version: fileFormatVersion, Tokens: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal tokens: %w", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temporary token file: %w", ErrStorage, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: failed to write temporary token file: %w", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: failed to sync temporary token file: %w", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: failed to close temporary token file: %w", ErrStorage, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: failed to replace token file: %w", ErrStorage, err)
	}
	return nil
}

// decodeFile parses both the current and the legacy file layout.
func decodeFile(data []byte) ([]record, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if f.Version > fileFormatVersion {
		return nil, fmt.Errorf("unsupported token file version %d", f.Version)
	}

	records := f.Tokens
	if len(f.ManagedTokens) > 0 {
		seen := make(map[string]struct{}, len(records))
		for _, rec := range records {
			seen[rec.Hash] = struct{}{}
		}

		values := make([]string, 0, len(f.ManagedTokens))
		for value := range f.ManagedTokens {
			values = append(values, value)
		}
		slices.Sort(values)

		for _, value := range values {
			if value == "" {
				continue
			}
			hash := digestOf(value).String()
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			records = append(records, record{
				ID:    uuid.NewSHA1(legacyNamespace, []byte(hash)).String(),
				Label: f.ManagedTokens[value],
				Hash:  hash,
				Hint:  hintOf(value),
			})
		}
	}

	for i := range records {
		if records[i].ID == "" {
			return nil, fmt.Errorf("token %d has no id", i)
		}
	}
	return records, nil
}
