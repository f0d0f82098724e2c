// Package blob provides the scratch storage behind virtual file writes.
//
// Every write is kept in its own immutable, uniquely named file under one
// scratch directory. Blobs are never edited or deleted: a rollback only
// makes the chunk that refers to a blob unreachable, so the scratch
// directory grows for the whole session. Cleaning it up is left to whoever
// owns the directory.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"backfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("blob")

	// ErrRange indicates a request outside the bounds of the source
	// buffer or of the blob.
	ErrRange = errors.New("range out of bounds")

	// ErrCorrupt indicates a blob whose content does not match its
	// handle. This is never a caller mistake.
	ErrCorrupt = errors.New("blob corrupt")
)

// namePrefix starts every blob file name.
const namePrefix = "bfs-"

// ID is the opaque file name of a blob inside the scratch directory.
type ID string

// Digest is the BLAKE3-256 hash of a blob's logical bytes.
type Digest [32]byte

// String returns the digest in hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// Ref is the handle of one stored blob. The zero Ref refers to no blob.
type Ref struct {
	ID   ID
	Size int32
	Sum  Digest
}

// IsZero reports whether the ref refers to no blob.
func (r Ref) IsZero() bool {
	return r.ID == ""
}

// Options configures a Store.
type Options struct {
	// Compression is the codec for newly allocated blobs.
	Compression Compression

	// Sync fsyncs each blob before Allocate returns.
	Sync bool

	// Verify checks the digest of the whole blob on every read.
	Verify bool
}

// Stats reports allocation totals for the life of a Store.
type Stats struct {
	Blobs       uint64 // blobs allocated
	Bytes       uint64 // logical bytes allocated
	StoredBytes uint64 // bytes written to disk after compression
}

// Store allocates and reads blobs in a scratch directory. It is safe for
// concurrent use.
type Store struct {
	dir  string
	opts Options

	blobs       atomic.Uint64
	bytes       atomic.Uint64
	storedBytes atomic.Uint64
}

// Open prepares the scratch directory and returns a store rooted there.
// The directory is created if needed and probed for writability; an error
// here means no virtual file can work.
func Open(dir string, opts Options) (*Store, error) {
	logger.Debug("Opening blob store in: %s", dir)

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch directory %s: %w", dir, err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory %s: %w", absDir, err)
	}

	// Verify we can create files before any write depends on it.
	probe, err := os.CreateTemp(absDir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("scratch directory %s is not writable: %w", absDir, err)
	}
	probeName := probe.Name()
	probe.Close()
	if err := os.Remove(probeName); err != nil {
		logger.Warn("Failed to remove probe file %s: %v", probeName, err)
	}

	logger.Info("Blob store ready in %s (compression=%v sync=%v verify=%v)",
		absDir, opts.Compression, opts.Sync, opts.Verify)
	return &Store{dir: absDir, opts: opts}, nil
}

// Dir returns the absolute scratch directory.
func (s *Store) Dir() string {
	return s.dir
}

// Stats returns allocation totals.
func (s *Store) Stats() Stats {
	return Stats{
		Blobs:       s.blobs.Load(),
		Bytes:       s.bytes.Load(),
		StoredBytes: s.storedBytes.Load(),
	}
}

// Allocate persists data[offset:offset+length] in a new blob and returns
// its handle.
func (s *Store) Allocate(data []byte, offset, length int) (Ref, error) {
	if offset < 0 || length < 0 || offset > len(data)-length {
		return Ref{}, fmt.Errorf("%w: offset %d length %d in buffer of %d bytes",
			ErrRange, offset, length, len(data))
	}
	if length > math.MaxInt32 {
		return Ref{}, fmt.Errorf("%w: blob of %d bytes exceeds %d", ErrRange, length, math.MaxInt32)
	}
	payload := data[offset : offset+length]

	body, ext, err := encode(payload, s.opts.Compression)
	if err != nil {
		return Ref{}, fmt.Errorf("encoding blob: %w", err)
	}

	name, err := s.create(body, ext)
	if err != nil {
		return Ref{}, err
	}

	s.blobs.Add(1)
	s.bytes.Add(uint64(length))
	s.storedBytes.Add(uint64(len(body)))

	ref := Ref{ID: ID(name), Size: int32(length), Sum: Sum(payload)}
	logger.Debug("Allocated blob %s (%d bytes, %d stored)", name, length, len(body))
	return ref, nil
}

// create writes body into a new file with a fresh unique name.
func (s *Store) create(body []byte, ext string) (string, error) {
	var (
		name string
		file *os.File
		err  error
	)
	// O_EXCL makes a name collision fail instead of overwriting another
	// file's history. Collisions of random UUIDs are not expected, but a
	// retry is cheap.
	for attempt := 0; attempt < 3; attempt++ {
		name = namePrefix + uuid.NewString() + ext
		file, err = os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil || !errors.Is(err, fs.ErrExist) {
			break
		}
		logger.Warn("Blob name collision on %s, retrying", name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}

	path := file.Name()
	if _, err := file.Write(body); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	if s.opts.Sync {
		if err := unix.Fsync(int(file.Fd())); err != nil {
			file.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to sync blob %s: %w", name, err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close blob %s: %w", name, err)
	}
	return name, nil
}

// Read returns length bytes starting at blobOffset within the blob.
func (s *Store) Read(ref Ref, blobOffset int64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrRange, length)
	}
	dst := make([]byte, length)
	if err := s.ReadAt(ref, blobOffset, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReadAt fills dst with the blob bytes starting at blobOffset. A missing
// blob, a range outside the blob or content that does not match the handle
// is an error.
func (s *Store) ReadAt(ref Ref, blobOffset int64, dst []byte) error {
	if ref.IsZero() {
		return fmt.Errorf("%w: read from empty blob handle", ErrRange)
	}
	if blobOffset < 0 || blobOffset > int64(ref.Size)-int64(len(dst)) {
		return fmt.Errorf("%w: offset %d length %d in blob %s of %d bytes",
			ErrRange, blobOffset, len(dst), ref.ID, ref.Size)
	}
	if len(dst) == 0 {
		return nil
	}

	ext := filepath.Ext(string(ref.ID))
	if ext == extRaw && !s.opts.Verify {
		return s.readRaw(ref, blobOffset, dst)
	}

	content, err := s.load(ref, ext)
	if err != nil {
		return err
	}
	copy(dst, content[blobOffset:])
	return nil
}

// readRaw reads a range straight from an uncompressed blob file.
func (s *Store) readRaw(ref Ref, blobOffset int64, dst []byte) error {
	file, err := os.Open(filepath.Join(s.dir, string(ref.ID)))
	if err != nil {
		return fmt.Errorf("failed to open blob %s: %w", ref.ID, err)
	}
	defer file.Close()

	n, err := file.ReadAt(dst, blobOffset)
	if n == len(dst) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: blob %s: short read of %d bytes at %d, expected %d",
			ErrCorrupt, ref.ID, n, blobOffset, len(dst))
	}
	return fmt.Errorf("failed to read blob %s: %w", ref.ID, err)
}

// load reads, decodes and optionally verifies the whole blob.
func (s *Store) load(ref Ref, ext string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(s.dir, string(ref.ID)))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref.ID, err)
	}
	content, err := decode(body, ext, int(ref.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", ErrCorrupt, ref.ID, err)
	}
	if s.opts.Verify {
		if sum := Sum(content); sum != ref.Sum {
			return nil, fmt.Errorf("%w: blob %s: digest %s, expected %s", ErrCorrupt, ref.ID, sum, ref.Sum)
		}
	}
	return content, nil
}
