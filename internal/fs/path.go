package fs

import (
	"path/filepath"
	"strings"

	"backfs/internal/logging"
)

var (
	pathLogger = logging.GetLogger().WithPrefix("path")
)

// SourcePath represents a path in the source directory. All paths are
// stored relative to the source root and are also the keys of virtual
// files.
type SourcePath struct {
	// relative path from source root
	path string
}

// NewSourcePath creates a new SourcePath instance.
// It cleans the path and ensures it's relative to the source root.
func NewSourcePath(path string) *SourcePath {
	cleaned := filepath.Clean("/" + path)
	cleaned = strings.TrimPrefix(cleaned, "/")
	pathLogger.Trace("Creating new source path: %q -> %q", path, cleaned)
	return &SourcePath{path: cleaned}
}

// String returns the string representation of the path
func (sp *SourcePath) String() string {
	return sp.path
}

// FullPath returns the absolute path by joining with the source root
func (sp *SourcePath) FullPath(sourceRoot string) string {
	return filepath.Join(sourceRoot, sp.path)
}

// Child returns the path of the named entry inside sp.
func (sp *SourcePath) Child(name string) *SourcePath {
	return NewSourcePath(sp.path + "/" + name)
}

// IsRoot returns true for the source root itself.
func (sp *SourcePath) IsRoot() bool {
	return sp.path == ""
}

// Base returns the last element of the path
func (sp *SourcePath) Base() string {
	return filepath.Base(sp.path)
}

// validName reports whether name can be looked up as a single directory
// entry.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}
