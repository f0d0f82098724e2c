// Package history stores the write history of virtual files.
//
// A history is a singly linked, most-recent-first chain of immutable
// chunks. Chunks live in an append-only Arena and are addressed by ChunkID,
// so a virtual file only needs to remember the id of its newest chunk.
// Setting that id back to an older value makes every later chunk
// unreachable: this is how a restored snapshot undoes writes without an
// undo log. Unreachable chunks are never reclaimed.
package history

import (
	"errors"
	"fmt"
	"sync"

	"backfs/internal/blob"
)

// ChunkID addresses a chunk in an Arena. The zero value is None.
type ChunkID uint64

// None terminates a chain and is the head of a file with no writes.
const None ChunkID = 0

// ErrUnknownChunk indicates a chunk id that the arena never issued.
var ErrUnknownChunk = errors.New("unknown chunk")

// Chunk records one write: Length bytes at StartPos, held by Blob.
// A chunk with a zero Blob is a hole and reads as zeros.
type Chunk struct {
	StartPos int64
	Length   int32
	Blob     blob.Ref
	Prev     ChunkID
}

// End returns the exclusive end position of the chunk.
func (c Chunk) End() int64 {
	return c.StartPos + int64(c.Length)
}

// IsHole reports whether the chunk has no backing blob.
func (c Chunk) IsHole() bool {
	return c.Blob.IsZero()
}

// Arena is append-only chunk storage shared by every virtual file of a
// session. It is safe for concurrent use.
type Arena struct {
	mu     sync.RWMutex
	chunks []Chunk // chunks[i] has id i+1
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Append stores c and returns its id. c.Prev must be None or an id already
// issued by this arena, which keeps every chain acyclic.
func (a *Arena) Append(c Chunk) (ChunkID, error) {
	if c.Length < 0 {
		return None, fmt.Errorf("chunk length %d is negative", c.Length)
	}
	if c.StartPos < 0 {
		return None, fmt.Errorf("chunk start %d is negative", c.StartPos)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Prev != None && uint64(c.Prev) > uint64(len(a.chunks)) {
		return None, fmt.Errorf("%w: prev %d", ErrUnknownChunk, c.Prev)
	}
	a.chunks = append(a.chunks, c)
	return ChunkID(len(a.chunks)), nil
}

// Get returns the chunk with the given id.
func (a *Arena) Get(id ChunkID) (Chunk, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.get(id)
}

func (a *Arena) get(id ChunkID) (Chunk, error) {
	if id == None || uint64(id) > uint64(len(a.chunks)) {
		return Chunk{}, fmt.Errorf("%w: %d", ErrUnknownChunk, id)
	}
	return a.chunks[id-1], nil
}

// Walk calls fn for every chunk of the chain starting at head, newest
// first. It stops early when fn returns false.
func (a *Arena) Walk(head ChunkID, fn func(id ChunkID, c Chunk) bool) error {
	for id := head; id != None; {
		c, err := a.Get(id)
		if err != nil {
			return err
		}
		if !fn(id, c) {
			return nil
		}
		id = c.Prev
	}
	return nil
}

// Depth returns the number of chunks in the chain starting at head.
func (a *Arena) Depth(head ChunkID) (int, error) {
	depth := 0
	err := a.Walk(head, func(ChunkID, Chunk) bool {
		depth++
		return true
	})
	return depth, err
}

// Len returns the number of chunks ever appended, reachable or not.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.chunks)
}
