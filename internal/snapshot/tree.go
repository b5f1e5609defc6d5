// Package snapshot turns a project directory into git objects.
//
// Build hashes a set of entries into a tree without writing anything, so a
// caller can compare the result with an existing commit before deciding to
// persist it. Tree.Write then stores the missing objects, blobs before the
// trees that reference them.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

var (
	// ErrSourceChanged is returned when a file no longer matches what was
	// hashed earlier in the same snapshot.
	ErrSourceChanged = errors.New("source changed during snapshot")

	// ErrInvalidPath is returned for entry paths that cannot be stored in a tree.
	ErrInvalidPath = errors.New("invalid entry path")
)

// Entry is a file to include in a snapshot.
type Entry struct {
	// Path is slash separated and relative to the project root
	Path string
	// Mode is filemode.Regular or filemode.Executable
	Mode filemode.FileMode
	// Size is the expected content length
	Size int64
	// Open returns the file content. It is called once while building and
	// once more when the blob is written.
	Open func() (io.ReadCloser, error)
}

type blob struct {
	entry Entry
	hash  plumbing.Hash
}

// Tree is a fully hashed snapshot.
type Tree struct {
	hash  plumbing.Hash
	blobs []blob
	// trees holds encoded tree objects, children before parents
	trees []*plumbing.MemoryObject
}

// Hash returns the hash of the root tree.
func (t *Tree) Hash() plumbing.Hash {
	return t.hash
}

type node struct {
	children map[string]*node
	blob     *blob
}

func newDir() *node {
	return &node{children: make(map[string]*node)}
}

// Build hashes entries into a tree. Entry content is streamed; nothing is
// held in memory besides the encoded trees.
func Build(entries []Entry) (*Tree, error) {
	root := newDir()
	t := &Tree{blobs: make([]blob, 0, len(entries))}

	for _, e := range entries {
		parts, err := splitPath(e.Path)
		if err != nil {
			return nil, err
		}
		if e.Mode != filemode.Regular && e.Mode != filemode.Executable {
			return nil, fmt.Errorf("%w: %s has unsupported mode %s", ErrInvalidPath, e.Path, e.Mode)
		}

		h, err := hashBlob(e)
		if err != nil {
			return nil, err
		}
		b := blob{entry: e, hash: h}

		if err := root.insert(parts, &b); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPath, e.Path, err)
		}
		t.blobs = append(t.blobs, b)
	}

	hash, err := t.encode(root)
	if err != nil {
		return nil, err
	}
	t.hash = hash
	return t, nil
}

func splitPath(p string) ([]string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." || part == ".git" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return parts, nil
}

func (n *node) insert(parts []string, b *blob) error {
	name := parts[0]
	child, ok := n.children[name]

	if len(parts) == 1 {
		if ok {
			return errors.New("duplicate path")
		}
		n.children[name] = &node{blob: b}
		return nil
	}

	if !ok {
		child = newDir()
		n.children[name] = child
	}
	if child.blob != nil {
		return fmt.Errorf("%s is both a file and a directory", name)
	}
	return child.insert(parts[1:], b)
}

// encode encodes the tree rooted at n after all of its subtrees.
func (t *Tree) encode(n *node) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.children))
	for name, child := range n.children {
		if child.blob != nil {
			entries = append(entries, object.TreeEntry{Name: name, Mode: child.blob.entry.Mode, Hash: child.blob.hash})
			continue
		}
		h, err := t.encode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	sort.Sort(object.TreeEntrySorter(entries))

	obj := &plumbing.MemoryObject{}
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	t.trees = append(t.trees, obj)
	return obj.Hash(), nil
}

func hashBlob(e Entry) (plumbing.Hash, error) {
	r, err := e.Open()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open %s: %w", e.Path, err)
	}
	defer r.Close()

	h := plumbing.NewHasher(plumbing.BlobObject, e.Size)
	n, err := io.Copy(h, io.LimitReader(r, e.Size+1))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read %s: %w", e.Path, err)
	}
	if n != e.Size {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrSourceChanged, e.Path, n, e.Size)
	}
	return h.Sum(), nil
}

// Write stores every object of the tree that s does not have yet. Blobs are
// re-read and verified against the hash computed by Build; trees are written
// bottom-up, so an interrupted Write never leaves a tree pointing at a
// missing object.
func (t *Tree) Write(s storer.EncodedObjectStorer) error {
	for _, b := range t.blobs {
		exists, err := has(s, b.hash)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := writeBlob(s, b); err != nil {
			return err
		}
	}

	for _, obj := range t.trees {
		exists, err := has(s, obj.Hash())
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.SetEncodedObject(obj); err != nil {
			return fmt.Errorf("failed to store tree %s: %w", obj.Hash(), err)
		}
	}
	return nil
}

func has(s storer.EncodedObjectStorer, h plumbing.Hash) (bool, error) {
	err := s.HasEncodedObject(h)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up object %s: %w", h, err)
	}
}

func writeBlob(s storer.EncodedObjectStorer, b blob) error {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(b.entry.Size)

	w, err := obj.Writer()
	if err != nil {
		return fmt.Errorf("failed to create blob writer: %w", err)
	}

	r, err := b.entry.Open()
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to open %s: %w", b.entry.Path, err)
	}
	_, err = io.Copy(w, io.LimitReader(r, b.entry.Size+1))
	_ = r.Close()
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", b.entry.Path, err)
	}

	if obj.Hash() != b.hash {
		return fmt.Errorf("%w: %s", ErrSourceChanged, b.entry.Path)
	}
	if _, err := s.SetEncodedObject(obj); err != nil {
		return fmt.Errorf("failed to store blob for %s: %w", b.entry.Path, err)
	}
	return nil
}
