package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const gitignoreFile = ".gitignore"

// DefaultIgnore lists the LaTeX build products excluded from projects that
// have no .gitignore of their own.
var DefaultIgnore = []string{
	"output.pdf",
	".project-sync-state",
	"*.synctex.gz",
	"*.aux",
	"*.log",
	"*.bbl",
	"*.blg",
	"*.out",
	"*.toc",
	"*.stdout",
	"*.stderr",
	"*.fls",
	"*.fdb_latexmk",
}

// Options control which files Scan includes.
type Options struct {
	// ExcludeRoot names files at the project root that are never included
	ExcludeRoot []string

	// DefaultIgnore is applied, and added to the snapshot as .gitignore, when
	// the project has no .gitignore at its root. Nil disables the fallback.
	DefaultIgnore []string
}

// Scan lists the files of the project rooted at fsys.
//
// Symbolic links, non-regular files and .git directories are skipped, as is
// everything matched by the project's .gitignore files.
func Scan(fsys billy.Filesystem, opts Options) ([]Entry, error) {
	patterns, err := gitignore.ReadPatterns(fsys, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore patterns: %w", err)
	}

	var entries []Entry

	hasRootIgnore, err := exists(fsys, gitignoreFile)
	if err != nil {
		return nil, err
	}
	if !hasRootIgnore && opts.DefaultIgnore != nil {
		content := []byte(strings.Join(opts.DefaultIgnore, "\n") + "\n")
		entries = append(entries, Entry{
			Path: gitignoreFile,
			Mode: filemode.Regular,
			Size: int64(len(content)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(content)), nil
			},
		})
		defaults := make([]gitignore.Pattern, 0, len(opts.DefaultIgnore))
		for _, line := range opts.DefaultIgnore {
			defaults = append(defaults, gitignore.ParsePattern(line, nil))
		}
		patterns = append(defaults, patterns...)
	}
	matcher := gitignore.NewMatcher(patterns)

	err = util.Walk(fsys, ".", func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(filepath.Clean(name))
		if rel == "." {
			return nil
		}
		parts := strings.Split(rel, "/")
		base := parts[len(parts)-1]

		switch {
		case base == ".git":
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		case len(parts) == 1 && slices.Contains(opts.ExcludeRoot, base):
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		case matcher.Match(parts, info.IsDir()):
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		case info.IsDir():
			return nil
		case !info.Mode().IsRegular():
			slog.Debug("Skipping non-regular file", "path", rel, "mode", info.Mode().String())
			return nil
		}

		mode := filemode.Regular
		if info.Mode().Perm()&0o111 != 0 {
			mode = filemode.Executable
		}
		entries = append(entries, Entry{
			Path: rel,
			Mode: mode,
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) {
				return fsys.Open(rel)
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk project: %w", err)
	}
	return entries, nil
}

func exists(fsys billy.Filesystem, name string) (bool, error) {
	_, err := fsys.Lstat(name)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return true, nil
}
