// Package guard enforces project-root confinement for every file operation
// the remediation engine performs, and screens proposed fix content for
// dangerous constructs before it reaches disk. All checks fail closed: an
// internal I/O error is logged and reported as a denial, never an exception.
package guard

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// defaultExclusions covers VCS metadata, caches, virtualenvs, build
// artifacts and dependency trees.
var defaultExclusions = []string{
	".git",
	".hg",
	".svn",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	"node_modules",
	"vendor",
	".venv",
	"venv",
	"dist",
	"build",
	".tox",
	"*.pyc",
	"*.tmp",
	"*.swp",
}

// Guard validates file operations against a project-root boundary.
type Guard struct {
	ctx        SecurityContext
	exclusions []string
	logger     *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithExclusions appends extra exclusion patterns to the defaults.
func WithExclusions(patterns ...string) Option {
	return func(g *Guard) {
		g.exclusions = append(g.exclusions, patterns...)
	}
}

// New creates a Guard rooted at the given project directory. Constructing a
// guard for an invalid root is the one fatal path in this package.
func New(projectRoot string, logger *slog.Logger, opts ...Option) (*Guard, error) {
	ctx, err := NewSecurityContext(projectRoot)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		ctx:        ctx,
		exclusions: append([]string(nil), defaultExclusions...),
		logger:     logger.With("component", "guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Context returns the immutable security context.
func (g *Guard) Context() SecurityContext {
	return g.ctx
}

// IsAllowed reports whether the canonicalized path lies under the project
// root and matches none of the exclusion patterns.
func (g *Guard) IsAllowed(path string) bool {
	resolved, ok := g.resolve(path)
	if !ok {
		return false
	}
	root := g.ctx.ProjectRoot
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		g.logger.Warn("path outside project root", "path", path)
		return false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		g.logger.Error("relativize path", "path", path, "error", err)
		return false
	}
	if g.excluded(rel) {
		return false
	}
	return true
}

// Validate checks a single operation against the path. Unknown operations
// are denied.
func (g *Guard) Validate(op, path string) bool {
	if !g.IsAllowed(path) {
		return false
	}
	switch op {
	case OpRead:
		return g.validateRead(path)
	case OpWrite:
		return g.validateWrite(path)
	case OpDelete:
		return g.validateDelete(path)
	case OpExecute:
		return g.validateExecute(path)
	case OpAnalyze:
		return true
	default:
		g.logger.Error("invalid operation", "op", op)
		return false
	}
}

// ListProjectFiles walks the project root and returns every regular file
// not covered by an exclusion pattern.
func (g *Guard) ListProjectFiles() []string {
	var files []string
	root := g.ctx.ProjectRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			g.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if rel != "." && g.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !g.excluded(rel) && d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		g.logger.Error("list project files", "error", err)
		return nil
	}
	return files
}

func (g *Guard) validateRead(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		g.logger.Warn("path does not exist", "path", path)
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		g.logger.Warn("path not readable", "path", path, "error", err)
		return false
	}
	_ = f.Close()
	return true
}

func (g *Guard) validateWrite(path string) bool {
	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	if err != nil {
		g.logger.Warn("parent directory does not exist", "path", parent)
		return false
	}
	if !info.IsDir() || !dirWritable(info) {
		g.logger.Warn("parent directory not writable", "path", parent)
		return false
	}
	return true
}

func (g *Guard) validateDelete(path string) bool {
	if _, err := os.Stat(path); err != nil {
		g.logger.Warn("path does not exist", "path", path)
		return false
	}
	parentInfo, err := os.Stat(filepath.Dir(path))
	if err != nil || !dirWritable(parentInfo) {
		g.logger.Warn("parent directory not writable", "path", filepath.Dir(path))
		return false
	}
	return true
}

func (g *Guard) validateExecute(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		g.logger.Warn("path does not exist", "path", path)
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// resolve canonicalizes a path, following symlinks. For paths that do not
// exist yet (pending writes) the parent directory is resolved instead.
func (g *Guard) resolve(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		g.logger.Error("resolve path", "path", path, "error", err)
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parent, parentErr := filepath.EvalSymlinks(filepath.Dir(abs))
		if parentErr != nil {
			g.logger.Warn("resolve path", "path", path, "error", err)
			return "", false
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}
	return resolved, true
}

func (g *Guard) excluded(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range g.exclusions {
			if strings.HasPrefix(pattern, "*.") {
				if strings.HasSuffix(part, pattern[1:]) {
					return true
				}
			} else if part == pattern {
				return true
			}
		}
	}
	return false
}

func dirWritable(info fs.FileInfo) bool {
	return info.Mode().Perm()&0o200 != 0
}
