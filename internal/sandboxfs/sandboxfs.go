// ABOUTME: Filesystem access confined to a project's sandbox root directory.
// ABOUTME: Paths pass a lexical prefix check, then a symlink-resolved prefix check.

package sandboxfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

// FS confines file operations to Root.
type FS struct {
	root string
}

// New returns an FS rooted at root, creating the directory if needed. The
// root is canonicalized so later prefix checks compare resolved paths.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating sandbox root: %v", protocol.ErrIO, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving sandbox root: %v", protocol.ErrIO, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing sandbox root: %v", protocol.ErrIO, err)
	}
	return &FS{root: canonical}, nil
}

// Root returns the canonical sandbox root.
func (f *FS) Root() string { return f.root }

// Resolve maps a sandbox-relative path to a host path inside the root.
//
// The checks run in order: absolute paths are rejected; the lexical join
// must stay under the root; the symlink-resolved path must also stay under
// the root. Paths that do not exist yet are resolved through their deepest
// existing ancestor.
func (f *FS) Resolve(userPath string) (string, error) {
	if filepath.IsAbs(userPath) {
		return "", fmt.Errorf("%w: absolute path %q not allowed", protocol.ErrPathEscape, userPath)
	}

	full := filepath.Join(f.root, userPath)
	if !within(f.root, full) {
		return "", fmt.Errorf("%w: %q", protocol.ErrPathEscape, userPath)
	}

	canonical, err := canonicalize(full)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %q: %v", protocol.ErrIO, userPath, err)
	}
	if !within(f.root, canonical) {
		return "", fmt.Errorf("%w: %q resolves outside the sandbox", protocol.ErrPathEscape, userPath)
	}
	return canonical, nil
}

// within reports whether path is root or a descendant of root.
func within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.HasPrefix(path, prefix)
}

// maxLinkDepth bounds symlink chains followed while canonicalizing.
const maxLinkDepth = 40

// canonicalize resolves symlinks in path. Missing trailing components are
// kept verbatim on top of the resolved deepest existing ancestor. Dangling
// symlinks resolve to their target so a write cannot follow them out.
func canonicalize(path string) (string, error) {
	return canonicalizeDepth(path, 0)
}

func canonicalizeDepth(path string, depth int) (string, error) {
	if depth > maxLinkDepth {
		return "", errors.New("too many levels of symbolic links")
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		return canonicalizeDepth(target, depth+1)
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := canonicalizeDepth(parent, depth+1)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}

// Read returns the content of a file.
func (f *FS) Read(userPath string) ([]byte, error) {
	full, err := f.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, wrapIO(userPath, err)
	}
	return data, nil
}

// Write stores data at path, creating missing parent directories.
func (f *FS) Write(userPath string, data []byte) error {
	full, err := f.Resolve(userPath)
	if err != nil {
		return err
	}
	if full == f.root {
		return fmt.Errorf("%w: cannot write to sandbox root", protocol.ErrIO)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return wrapIO(userPath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return wrapIO(userPath, err)
	}
	return nil
}

// List returns the entries of a directory sorted by name.
func (f *FS) List(userPath string) ([]protocol.FileInfo, error) {
	full, err := f.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, wrapIO(userPath, err)
	}

	infos := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}
		infos = append(infos, fileInfo(info))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Stat describes a single path.
func (f *FS) Stat(userPath string) (*protocol.FileInfo, error) {
	full, err := f.Resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, wrapIO(userPath, err)
	}
	fi := fileInfo(info)
	return &fi, nil
}

func fileInfo(info fs.FileInfo) protocol.FileInfo {
	return protocol.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
	}
}

func wrapIO(userPath string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, userPath)
	}
	return fmt.Errorf("%w: %s: %v", protocol.ErrIO, userPath, err)
}
