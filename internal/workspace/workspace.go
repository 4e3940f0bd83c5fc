// Package workspace is the single authority for validating file paths
// against a configured root. No other package touches a raw path; every
// tool handler that takes a path parameter resolves it through here
// first.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hostbridge/hostbridge/internal/errs"
)

// Resolver validates and resolves paths against a single root directory,
// fixed at construction time.
type Resolver struct {
	root string // absolute, symlink-resolved
}

// New builds a Resolver rooted at root. root must exist and must itself
// resolve cleanly (no missing path segments).
func New(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q does not exist or is unreachable: %w", root, err)
	}
	return &Resolver{root: real}, nil
}

// Root returns the resolver's real, absolute root path.
func (r *Resolver) Root() string { return r.root }

// Resolve validates p and returns its absolute, symlink-resolved form.
// It fails with errs.KindSecurity when p contains a null byte or when
// the resolved path is neither the root itself nor inside it.
//
// p may be relative (resolved against root) or absolute (must already be
// inside root). Symlinks are resolved the same way os.path.realpath
// does, so a symlink that escapes the root is caught even if the link
// itself lives inside it.
func (r *Resolver) Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", errs.New(errs.KindSecurity, "path contains a null byte")
	}
	if p == "" {
		return "", errs.New(errs.KindSecurity, "path is empty")
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(r.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	real, err := resolveExisting(candidate)
	if err != nil {
		return "", errs.Wrap(errs.KindSecurity, fmt.Errorf("resolve path %q: %w", p, err))
	}

	if !r.isDescendant(real) {
		return "", errs.Newf(errs.KindSecurity, "path %q escapes the workspace root", p)
	}
	return real, nil
}

// ResolveSubroot validates that override, once resolved, is itself
// inside root and returns it — used when a tool call narrows its
// operations to a named subdirectory of the workspace.
func (r *Resolver) ResolveSubroot(override string) (string, error) {
	real, err := r.Resolve(override)
	if err != nil {
		return "", err
	}
	return real, nil
}

func (r *Resolver) isDescendant(real string) bool {
	return real == r.root || strings.HasPrefix(real, r.root+string(filepath.Separator))
}

// resolveExisting resolves symlinks on the longest existing prefix of
// path, the same way os.path.realpath tolerates a path whose final
// component(s) don't exist yet (e.g. a file about to be created).
func resolveExisting(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}

	dir, base := filepath.Split(path)
	dir = filepath.Clean(dir)
	if dir == path {
		// Reached the filesystem root without finding an existing segment.
		return path, nil
	}
	realDir, err := resolveExisting(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(realDir, base), nil
}

// Info reports workspace disk usage, grounded on the same statvfs-style
// accounting the original resolver exposes for admin diagnostics.
type Info struct {
	Root       string `json:"root"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// GetInfo reports disk usage statistics for the workspace root.
func (r *Resolver) GetInfo() (Info, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(r.root, &stat); err != nil {
		return Info{}, fmt.Errorf("statfs %s: %w", r.root, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return Info{
		Root:       r.root,
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}, nil
}
