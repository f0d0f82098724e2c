package fs

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"backfs/internal/logging"
	"backfs/internal/overlay"
	"backfs/internal/snapshot"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// BackFS exposes a source directory through FUSE with every file backed by
// a copy-on-write overlay. Writes never reach the source directory, and the
// state of all written files can be snapshotted and rolled back.
type BackFS struct {
	sourceDir string                     // Root directory of pristine files
	engine    *overlay.Engine            // Services reads and writes of virtual files
	snapshots *snapshot.Stack            // Saved file states, newest on top
	files     map[string]*overlay.Record // Virtual files by source-relative path
	conn      *fuse.Conn                 // FUSE connection
	served    chan struct{}              // Closed when the FUSE server stops
	uid       uint32                     // User ID for filesystem operations
	gid       uint32                     // Group ID for filesystem operations
	mu        sync.Mutex                 // Serialises access to files and records
}

// NewBackFS creates a new overlay filesystem over sourceDir.
func NewBackFS(sourceDir string, engine *overlay.Engine, snapshots *snapshot.Stack) (*BackFS, error) {
	vfsLogger.Info("Creating new overlay filesystem")
	vfsLogger.Debug("Source directory: %s", sourceDir)

	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("source directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", sourceDir)
	}

	// Get UID/GID from environment if set
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			vfsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			vfsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &BackFS{
		sourceDir: sourceDir,
		engine:    engine,
		snapshots: snapshots,
		files:     make(map[string]*overlay.Record),
		uid:       uid,
		gid:       gid,
	}, nil
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (vfs *BackFS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	return &Dir{
		fs:   vfs,
		path: NewSourcePath(""),
	}, nil
}

// record returns the virtual file for sp, or nil when it was never opened
// for writing. The caller must hold vfs.mu.
func (vfs *BackFS) record(sp *SourcePath) *overlay.Record {
	return vfs.files[sp.String()]
}

// openRecord returns the virtual file for sp, creating it on first use.
// The caller must hold vfs.mu.
func (vfs *BackFS) openRecord(sp *SourcePath) (*overlay.Record, error) {
	if rec, ok := vfs.files[sp.String()]; ok {
		return rec, nil
	}
	rec, err := vfs.engine.Open(sp.FullPath(vfs.sourceDir))
	if err != nil {
		return nil, err
	}
	vfs.files[sp.String()] = rec
	vfsLogger.Debug("Created virtual file for %q (length %d)", sp.String(), rec.Length)
	return rec, nil
}

// Snapshot saves the state of every virtual file and returns the number of
// snapshots held.
func (vfs *BackFS) Snapshot() (int, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	depth, err := vfs.snapshots.Push(snapshot.Capture(vfs.files))
	if err != nil {
		return 0, err
	}
	vfsLogger.Info("Snapshot %d taken (%d virtual files)", depth, len(vfs.files))
	return depth, nil
}

// Rollback restores the most recent snapshot and discards it. Writes made
// since that snapshot become invisible.
func (vfs *BackFS) Rollback() error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	state, err := vfs.snapshots.Pop()
	if err != nil {
		return err
	}
	state.Restore(vfs.files)
	vfsLogger.Info("Rolled back to snapshot %d (%d virtual files)", vfs.snapshots.Depth()+1, len(vfs.files))
	return nil
}

// Reset restores the most recent snapshot but keeps it, so the next branch
// can start from the same point.
func (vfs *BackFS) Reset() error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	state, err := vfs.snapshots.Peek()
	if err != nil {
		return err
	}
	state.Restore(vfs.files)
	vfsLogger.Info("Reset to snapshot %d", vfs.snapshots.Depth())
	return nil
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount mounts the filesystem and serves it in the background.
func (vfs *BackFS) Mount(mountPoint string) error {
	vfsLogger.Info("Mounting overlay filesystem")
	vfsLogger.Debug("Mount point: %s", mountPoint)
	vfsLogger.Debug("Source directory: %s", vfs.sourceDir)
	vfsLogger.Debug("UID: %d, GID: %d", vfs.uid, vfs.gid)

	// Check if source directory is readable
	if _, err := os.ReadDir(vfs.sourceDir); err != nil {
		vfsLogger.Error("Cannot read source directory: %v", err)
		return fmt.Errorf("source directory not readable: %w", err)
	}

	mountOpts := []fuse.MountOption{
		fuse.FSName("backfs"),
		fuse.Subtype("backfs"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	vfs.conn = c
	vfs.served = make(chan struct{})

	go func() {
		defer close(vfs.served)
		if err := fusefs.Serve(c, vfs); err != nil {
			vfsLogger.Error("FUSE server error: %v", err)
		}
		vfsLogger.Debug("FUSE server stopped")
	}()

	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Wait blocks until the FUSE server started by Mount stops, then closes the
// connection.
func (vfs *BackFS) Wait() {
	if vfs.served == nil {
		return
	}
	<-vfs.served
	if err := vfs.conn.Close(); err != nil {
		vfsLogger.Warn("Failed to close FUSE connection: %v", err)
	}
}

// Unmount cleanly unmounts the filesystem.
func (vfs *BackFS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if vfs.conn != nil {
		err := fuse.Unmount(mountPoint)
		if err != nil {
			vfsLogger.Error("Unmount failed: %v", err)
		} else {
			vfsLogger.Info("Unmount completed successfully")
		}
		return err
	}
	return nil
}
