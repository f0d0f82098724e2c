// Package overlay implements writable, instantly restorable views of files.
//
// A virtual file is a Record: its logical length, the path of the pristine
// file behind it and the head of its write history. Writes never touch the
// pristine file; each one is stored as a blob and linked in front of the
// history. Reads merge the history, newest chunk first, with the pristine
// content. Because a Record is three plain fields, a host restores an
// earlier state of a file just by copying an earlier Record value back.
package overlay

import (
	"fmt"
	"math"

	"backfs/internal/blob"
	"backfs/internal/history"
	"backfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("overlay")
)

// EOF is returned by Read when the read position is at or past the end of
// the virtual file. It is not an error.
const EOF = -1

// Record is the per-file state owned by the host. Only Engine.Write changes
// Length and Head.
type Record struct {
	Length   int64           `json:"length"`
	Pristine string          `json:"pristine"`
	Head     history.ChunkID `json:"head"`
}

// Storage is the capability a host uses to service a simulated program's
// writes and reads on a virtual file.
type Storage interface {
	Write(rec *Record, startPos int64, data []byte, offset, length int) (int, error)
	Read(rec *Record, startPos int64, dst []byte, offset, length int) (int, error)
}

var _ Storage = (*Engine)(nil)

// Engine implements Storage on top of a blob store and a chunk arena.
// Operations on one Record must be sequential; different Records may be
// used concurrently.
type Engine struct {
	blobs *blob.Store
	arena *history.Arena
}

// NewEngine returns an engine storing write data in blobs and chunk
// records in arena.
func NewEngine(blobs *blob.Store, arena *history.Arena) *Engine {
	return &Engine{blobs: blobs, arena: arena}
}

// Arena returns the chunk arena shared by all records of this engine.
func (e *Engine) Arena() *history.Arena {
	return e.arena
}

// Open creates the record for a virtual file backed by pristine. The file
// does not need to exist; its absence reads as an empty file.
func (e *Engine) Open(pristine string) (*Record, error) {
	size, err := blob.PlainSize(pristine)
	if err != nil {
		return nil, backingStore(OpOpen, pristine, err)
	}
	logger.Debug("Opened virtual file %q (pristine length %d)", pristine, size)
	return &Record{Length: size, Pristine: pristine}, nil
}

// Depth returns the number of chunks reachable from the record's head.
func (e *Engine) Depth(rec *Record) (int, error) {
	return e.arena.Depth(rec.Head)
}

// Write records length bytes of data, starting at offset, as written at
// startPos. It returns length on success. On error the record is unchanged.
//
// A write that starts past the end of the file first records the gap as
// hole chunks, which read back as zeros.
func (e *Engine) Write(rec *Record, startPos int64, data []byte, offset, length int) (int, error) {
	if offset < 0 || length < 0 || offset > len(data)-length {
		return 0, outOfBounds(OpWrite, rec.Pristine, "offset %d length %d in buffer of %d bytes", offset, length, len(data))
	}
	if startPos < 0 || startPos > math.MaxInt64-int64(length) {
		return 0, outOfBounds(OpWrite, rec.Pristine, "position %d", startPos)
	}
	if length == 0 {
		return 0, nil
	}

	logger.Trace("Write %q: %d bytes at %d (length %d)", rec.Pristine, length, startPos, rec.Length)

	head := rec.Head
	for pos := rec.Length; pos < startPos; {
		n := min(startPos-pos, math.MaxInt32)
		id, err := e.arena.Append(history.Chunk{StartPos: pos, Length: int32(n), Prev: head})
		if err != nil {
			return 0, backingStore(OpWrite, rec.Pristine, err)
		}
		logger.Trace("Recorded hole [%d, %d) in %q", pos, pos+n, rec.Pristine)
		head = id
		pos += n
	}

	for written := 0; written < length; {
		n := min(length-written, math.MaxInt32)
		ref, err := e.blobs.Allocate(data, offset+written, n)
		if err != nil {
			return 0, backingStore(OpWrite, rec.Pristine, err)
		}
		id, err := e.arena.Append(history.Chunk{
			StartPos: startPos + int64(written),
			Length:   int32(n),
			Blob:     ref,
			Prev:     head,
		})
		if err != nil {
			return 0, backingStore(OpWrite, rec.Pristine, err)
		}
		head = id
		written += n
	}

	rec.Head = head
	if end := startPos + int64(length); end > rec.Length {
		rec.Length = end
	}
	return length, nil
}

// gap is an unresolved range [off, end) relative to the read position.
type gap struct {
	off, end int64
}

// Read fills dst[offset:] with up to length bytes of the virtual file
// starting at startPos and returns the number of bytes produced, or EOF
// when startPos is at or past the end of the file.
//
// Every byte comes from the newest chunk covering it, or from the pristine
// file when no chunk does. Bytes the pristine file cannot supply read as
// zero.
func (e *Engine) Read(rec *Record, startPos int64, dst []byte, offset, length int) (int, error) {
	if offset < 0 || length < 0 || offset > len(dst)-length {
		return 0, outOfBounds(OpRead, rec.Pristine, "offset %d length %d in buffer of %d bytes", offset, length, len(dst))
	}
	if startPos < 0 {
		return 0, outOfBounds(OpRead, rec.Pristine, "position %d", startPos)
	}
	if length == 0 {
		return 0, nil
	}
	if startPos >= rec.Length {
		return EOF, nil
	}

	readable := length
	if remaining := rec.Length - startPos; remaining < int64(length) {
		readable = int(remaining)
	}
	out := dst[offset : offset+readable]

	gaps := []gap{{off: 0, end: int64(readable)}}
	var resolveErr error
	walkErr := e.arena.Walk(rec.Head, func(_ history.ChunkID, c history.Chunk) bool {
		gaps, resolveErr = e.resolve(c, startPos, out, gaps)
		return resolveErr == nil && len(gaps) > 0
	})
	if resolveErr != nil {
		return 0, backingStore(OpRead, rec.Pristine, resolveErr)
	}
	if walkErr != nil {
		return 0, backingStore(OpRead, rec.Pristine, walkErr)
	}

	if err := e.fillPristine(rec, startPos, out, gaps); err != nil {
		return 0, backingStore(OpRead, rec.Pristine, err)
	}

	logger.Trace("Read %q: %d bytes at %d, %d ranges from pristine", rec.Pristine, readable, startPos, len(gaps))
	return readable, nil
}

// resolve copies the part of chunk c that overlaps each gap into out and
// returns the gaps that remain uncovered, in order.
func (e *Engine) resolve(c history.Chunk, startPos int64, out []byte, gaps []gap) ([]gap, error) {
	delta := c.StartPos - startPos
	chunkEnd := c.End() - startPos
	if chunkEnd <= 0 || delta >= int64(len(out)) {
		return gaps, nil
	}

	remaining := make([]gap, 0, len(gaps)+1)
	for _, g := range gaps {
		lo := max(g.off, delta)
		hi := min(g.end, chunkEnd)
		if lo >= hi {
			remaining = append(remaining, g)
			continue
		}

		part := out[lo:hi]
		if c.IsHole() {
			clear(part)
		} else if err := e.blobs.ReadAt(c.Blob, lo-delta, part); err != nil {
			return nil, err
		}

		if g.off < lo {
			remaining = append(remaining, gap{off: g.off, end: lo})
		}
		if hi < g.end {
			remaining = append(remaining, gap{off: hi, end: g.end})
		}
	}
	return remaining, nil
}

// fillPristine reads the remaining gaps from the pristine file.
func (e *Engine) fillPristine(rec *Record, startPos int64, out []byte, gaps []gap) error {
	for _, g := range gaps {
		part := out[g.off:g.end]
		if rec.Pristine == "" {
			clear(part)
			continue
		}
		n, err := blob.ReadPlain(rec.Pristine, startPos+g.off, part)
		if err != nil {
			return err
		}
		clear(part[n:])
	}
	return nil
}

// ReadAll returns the full content of the virtual file.
func (e *Engine) ReadAll(rec *Record) ([]byte, error) {
	if rec.Length > math.MaxInt32 {
		return nil, fmt.Errorf("virtual file %q is too large to read at once (%d bytes)", rec.Pristine, rec.Length)
	}
	buf := make([]byte, rec.Length)
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := e.Read(rec, 0, buf, 0, len(buf)); err != nil {
		return nil, err
	}
	return buf, nil
}
