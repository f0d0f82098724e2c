package fs

import (
	"context"
	"os"
	"syscall"

	"backfs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory of the source tree. The namespace is read-only:
// only file contents can be changed through the overlay.
type Dir struct {
	fs   *BackFS
	path *SourcePath
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.path.String())

	a.Mode = os.ModeDir | 0755
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid

	if d.path.IsRoot() {
		return nil
	}
	info, err := os.Stat(d.path.FullPath(d.fs.sourceDir))
	if err != nil {
		dirLogger.Warn("Failed to stat directory %q: %v", d.path.String(), err)
		return ToFuseError(NewFSError(OpGetattr, d.path.String(), err))
	}
	a.Mode = os.ModeDir | info.Mode().Perm()
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.path.String())

	if !validName(name) {
		dirLogger.Warn("Invalid name in lookup: %q", name)
		return nil, syscall.ENOENT
	}
	childPath := d.path.Child(name)

	info, err := os.Lstat(childPath.FullPath(d.fs.sourceDir))
	if err != nil {
		if os.IsNotExist(err) {
			// A virtual file outlives its pristine file.
			d.fs.mu.Lock()
			rec := d.fs.record(childPath)
			d.fs.mu.Unlock()
			if rec != nil {
				return &File{fs: d.fs, path: childPath}, nil
			}
			dirLogger.Debug("Path not found: %q", childPath.String())
			return nil, syscall.ENOENT
		}
		return nil, ToFuseError(NewFSError(OpLookup, childPath.String(), err))
	}

	switch {
	case info.IsDir():
		dirLogger.Trace("Found directory: %q", childPath.String())
		return &Dir{fs: d.fs, path: childPath}, nil
	case info.Mode().IsRegular():
		dirLogger.Trace("Found file: %q", childPath.String())
		return &File{fs: d.fs, path: childPath}, nil
	default:
		dirLogger.Debug("Skipping non-regular entry: %q (%v)", childPath.String(), info.Mode())
		return nil, syscall.ENOENT
	}
}

// ReadDirAll implements the HandleReadDirAller interface, listing the
// directories and regular files of the source directory.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.path.String())

	dirEntries, err := os.ReadDir(d.path.FullPath(d.fs.sourceDir))
	if err != nil {
		dirLogger.Error("Failed to read source directory: %v", err)
		return nil, ToFuseError(NewFSError(OpReadDir, d.path.String(), err))
	}

	entries := []fuse.Dirent{
		{Name: ".", Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}
	for _, entry := range dirEntries {
		switch {
		case entry.IsDir():
			entries = append(entries, fuse.Dirent{Name: entry.Name(), Type: fuse.DT_Dir})
		case entry.Type().IsRegular():
			entries = append(entries, fuse.Dirent{Name: entry.Name(), Type: fuse.DT_File})
		default:
			dirLogger.Trace("Skipping non-regular entry: %q", entry.Name())
		}
	}

	dirLogger.Debug("Directory %q contains %d entries", d.path.String(), len(entries))
	return entries, nil
}

// Create implements the NodeCreater interface. New files cannot be created.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, _ *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Warn("Attempted to create %q in %q", req.Name, d.path.String())
	return nil, nil, syscall.EPERM
}

// Mkdir implements the NodeMkdirer interface. New directories cannot be
// created.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Warn("Attempted to create directory %q in %q", req.Name, d.path.String())
	return nil, syscall.EPERM
}

// Remove implements the NodeRemover interface. Entries cannot be removed.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Warn("Attempted to remove %q from %q (isDir=%v)", req.Name, d.path.String(), req.Dir)
	return syscall.EPERM
}

// Rename implements the NodeRenamer interface. Entries cannot be renamed.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	dirLogger.Warn("Attempted to rename %q to %q", req.OldName, req.NewName)
	return syscall.EPERM
}

// Setattr implements the NodeSetattrer interface. Directory attributes are
// those of the source directory.
func (d *Dir) Setattr(ctx context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(ctx, &resp.Attr)
}
