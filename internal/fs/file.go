package fs

import (
	"context"
	"os"
	"syscall"
	"time"

	"backfs/internal/blob"
	"backfs/internal/logging"
	"backfs/internal/overlay"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a source file seen through its overlay.
type File struct {
	fs   *BackFS
	path *SourcePath
}

// Attr implements the Node interface, returning the file's attributes.
// Once a file has a virtual record its size is the record's length. The
// kernel may not cache them: a rollback changes the length without any
// request reaching the node.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.path.String())

	f.fs.mu.Lock()
	rec := f.fs.record(f.path)
	var length int64
	if rec != nil {
		length = rec.Length
	}
	f.fs.mu.Unlock()

	info, err := os.Stat(f.path.FullPath(f.fs.sourceDir))
	switch {
	case err == nil:
		a.Mode = info.Mode()
		a.Mtime = info.ModTime()
		if rec == nil {
			length = info.Size()
		}
	case os.IsNotExist(err) && rec != nil:
		a.Mode = 0644
		a.Mtime = time.Now()
	default:
		if os.IsNotExist(err) {
			fileLogger.Warn("Source file not found: %q", f.path.String())
		} else {
			fileLogger.Error("Failed to stat file: %v", err)
		}
		return ToFuseError(NewFSError(OpGetattr, f.path.String(), err))
	}

	a.Valid = 0
	a.Size = safeInt64ToUint64(length)
	a.Atime = a.Mtime
	a.Ctime = a.Mtime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((length + 511) / 512)

	fileLogger.Trace("File attributes: mode=%v, size=%d, virtual=%v", a.Mode, a.Size, rec != nil)
	return nil
}

// Open implements the NodeOpener interface. Opening for writing gives the
// file a virtual record; the source file itself is never opened writable.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	writable := !req.Flags.IsReadOnly()
	fileLogger.Debug("Opening file %q with flags %v", f.path.String(), req.Flags)

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if writable {
		rec, err := f.fs.openRecord(f.path)
		if err != nil {
			fileLogger.Error("Failed to open virtual file %q: %v", f.path.String(), err)
			return nil, ToFuseError(err)
		}
		if req.Flags&fuse.OpenTruncate != 0 && rec.Length > 0 {
			fileLogger.Warn("Attempted to truncate %q", f.path.String())
			return nil, syscall.ENOTSUP
		}
	}

	resp.Flags |= fuse.OpenDirectIO

	fileLogger.Debug("Successfully opened file %q (writable=%v)", f.path.String(), writable)
	return &FileHandle{
		fs:       f.fs,
		path:     f.path,
		writable: writable,
	}, nil
}

// Setattr implements the NodeSetattrer interface. Only a size equal to the
// current length is accepted; the overlay cannot shrink or pre-extend a
// file.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	fileLogger.Debug("Setattr on %q (valid %v)", f.path.String(), req.Valid)

	if req.Valid.Size() {
		f.fs.mu.Lock()
		var length int64
		if rec := f.fs.record(f.path); rec != nil {
			length = rec.Length
		} else {
			size, err := blob.PlainSize(f.path.FullPath(f.fs.sourceDir))
			if err != nil {
				f.fs.mu.Unlock()
				return ToFuseError(NewFSError(OpSetattr, f.path.String(), err))
			}
			length = size
		}
		f.fs.mu.Unlock()

		if safeInt64ToUint64(length) != req.Size {
			fileLogger.Warn("Attempted to resize %q from %d to %d", f.path.String(), length, req.Size)
			return syscall.ENOTSUP
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Fsync implements the NodeFsyncer interface. Overlay writes are complete
// when Write returns.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return nil
}

// FileHandle represents an open file. The record is looked up on every
// request because a rollback may replace or forget it while the handle is
// open.
type FileHandle struct {
	fs       *BackFS
	path     *SourcePath
	writable bool
}

// Read implements the HandleReader interface.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, fh.path.String(), req.Offset)

	fh.fs.mu.Lock()
	defer fh.fs.mu.Unlock()

	buf := make([]byte, req.Size)
	rec := fh.fs.record(fh.path)
	if rec == nil {
		n, err := blob.ReadPlain(fh.path.FullPath(fh.fs.sourceDir), req.Offset, buf)
		if err != nil {
			fileLogger.Error("Failed to read source file: %v", err)
			return ToFuseError(NewFSError(OpRead, fh.path.String(), err))
		}
		resp.Data = buf[:n]
		fileLogger.Trace("Read %d bytes from source", n)
		return nil
	}

	n, err := fh.fs.engine.Read(rec, req.Offset, buf, 0, len(buf))
	if err != nil {
		fileLogger.Error("Failed to read virtual file %q: %v", fh.path.String(), err)
		return ToFuseError(err)
	}
	if n == overlay.EOF {
		n = 0
	}
	resp.Data = buf[:n]
	fileLogger.Trace("Read %d bytes from overlay", n)
	return nil
}

// Write implements the HandleWriter interface.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), fh.path.String(), req.Offset)

	if !fh.writable {
		return syscall.EBADF
	}

	fh.fs.mu.Lock()
	defer fh.fs.mu.Unlock()

	// The record is gone if a rollback forgot it after this handle was
	// opened.
	rec, err := fh.fs.openRecord(fh.path)
	if err != nil {
		return ToFuseError(err)
	}
	n, err := fh.fs.engine.Write(rec, req.Offset, req.Data, 0, len(req.Data))
	if err != nil {
		fileLogger.Error("Failed to write virtual file %q: %v", fh.path.String(), err)
		return ToFuseError(err)
	}
	resp.Size = n
	return nil
}

// Flush implements the HandleFlusher interface.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	return nil
}

// Release implements the HandleReleaser interface.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.path.String())
	return nil
}
