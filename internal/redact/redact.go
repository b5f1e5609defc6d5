// Package redact keeps the server's filesystem layout out of logs, spans and
// error responses. Absolute directories are rewritten to short placeholders
// such as "$GIT_ROOT", so messages stay useful without exposing the host.
package redact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Paths rewrites known directories in text. A nil *Paths leaves text as is.
type Paths struct {
	replacer *strings.Replacer
}

// NewPaths creates a Paths replacing each directory key with its placeholder.
// Empty and relative directories are ignored. A directory nested in another
// one gets its own placeholder rather than its parent's.
func NewPaths(dirs map[string]string) *Paths {
	type pair struct{ dir, placeholder string }
	pairs := make([]pair, 0, len(dirs))
	for dir, placeholder := range dirs {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		pairs = append(pairs, pair{filepath.Clean(dir), placeholder})
	}
	// strings.Replacer tries its old strings in argument order
	sort.Slice(pairs, func(i, j int) bool {
		if len(pairs[i].dir) != len(pairs[j].dir) {
			return len(pairs[i].dir) > len(pairs[j].dir)
		}
		return pairs[i].dir < pairs[j].dir
	})

	args := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		args = append(args, p.dir, p.placeholder)
	}
	return &Paths{replacer: strings.NewReplacer(args...)}
}

// String returns s with every known directory replaced.
func (p *Paths) String(s string) string {
	if p == nil || p.replacer == nil {
		return s
	}
	return p.replacer.Replace(s)
}

// Error returns err with a redacted message. errors.Is and errors.As still
// see the original chain.
func (p *Paths) Error(err error) error {
	if err == nil {
		return nil
	}
	msg := p.String(err.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }

// Handler redacts the message and the string and error attributes of every
// record before passing it on.
type Handler struct {
	slog.Handler
	paths *Paths
}

// NewHandler wraps h.
func NewHandler(h slog.Handler, paths *Paths) *Handler {
	return &Handler{Handler: h, paths: paths}
}

// Handle implements slog.Handler
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.paths.String(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.attr(a))
		return true
	})
	return h.Handler.Handle(ctx, out)
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.attr(a)
	}
	return &Handler{Handler: h.Handler.WithAttrs(redacted), paths: h.paths}
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name), paths: h.paths}
}

func (h *Handler) attr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.paths.String(v.String()))
	case slog.KindGroup:
		group := v.Group()
		redacted := make([]any, len(group))
		for i, ga := range group {
			redacted[i] = h.attr(ga)
		}
		return slog.Group(a.Key, redacted...)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.paths.String(x.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, h.paths.String(x.String()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// PathError returns err without the path of the filesystem error it wraps.
// Use it where no Paths is at hand, for example when logging the failure of
// a cleanup.
func PathError(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("%s: %w", pathErr.Op, pathErr.Err)
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return fmt.Errorf("%s: %w", linkErr.Op, linkErr.Err)
	}
	return err
}
