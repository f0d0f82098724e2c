package history

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAppendAndWalk(t *testing.T) {
	arena := NewArena()

	head := None
	for i := 0; i < 4; i++ {
		id, err := arena.Append(Chunk{StartPos: int64(i * 10), Length: 5, Prev: head})
		if err != nil {
			t.Fatalf("Failed to append chunk %d: %v", i, err)
		}
		head = id
	}

	var starts []int64
	if err := arena.Walk(head, func(_ ChunkID, c Chunk) bool {
		starts = append(starts, c.StartPos)
		return true
	}); err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if diff := cmp.Diff([]int64{30, 20, 10, 0}, starts); diff != "" {
		t.Errorf("Unexpected walk order (-want +got):\n%s", diff)
	}

	depth, err := arena.Depth(head)
	if err != nil || depth != 4 {
		t.Errorf("Expected depth 4, got %d (%v)", depth, err)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	arena := NewArena()
	first, _ := arena.Append(Chunk{Length: 1})
	second, _ := arena.Append(Chunk{Length: 1, Prev: first})

	visited := 0
	if err := arena.Walk(second, func(ChunkID, Chunk) bool {
		visited++
		return false
	}); err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if visited != 1 {
		t.Errorf("Expected 1 visited chunk, got %d", visited)
	}
}

func TestOlderHeadHidesNewerChunks(t *testing.T) {
	arena := NewArena()
	first, _ := arena.Append(Chunk{StartPos: 2, Length: 3})
	second, _ := arena.Append(Chunk{StartPos: 4, Length: 2, Prev: first})

	depth, _ := arena.Depth(first)
	if depth != 1 {
		t.Errorf("Expected restored head to see 1 chunk, got %d", depth)
	}
	depth, _ = arena.Depth(second)
	if depth != 2 {
		t.Errorf("Expected newest head to see 2 chunks, got %d", depth)
	}
	if arena.Len() != 2 {
		t.Errorf("Expected arena to keep both chunks, got %d", arena.Len())
	}
}

func TestAppendRejectsUnknownPrev(t *testing.T) {
	arena := NewArena()
	if _, err := arena.Append(Chunk{Length: 1, Prev: 7}); !errors.Is(err, ErrUnknownChunk) {
		t.Errorf("Expected ErrUnknownChunk, got %v", err)
	}
	if _, err := arena.Append(Chunk{Length: -1}); err == nil {
		t.Error("Expected error for negative length")
	}
	if _, err := arena.Get(None); !errors.Is(err, ErrUnknownChunk) {
		t.Errorf("Expected ErrUnknownChunk for None, got %v", err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	arena := NewArena()
	var wg sync.WaitGroup
	heads := make([]ChunkID, 8)
	for w := range heads {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id, err := arena.Append(Chunk{StartPos: int64(i), Length: 1, Prev: heads[w]})
				if err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
				heads[w] = id
			}
		}(w)
	}
	wg.Wait()

	for w, head := range heads {
		depth, err := arena.Depth(head)
		if err != nil || depth != 50 {
			t.Errorf("Chain %d: expected depth 50, got %d (%v)", w, depth, err)
		}
	}
	if arena.Len() != 400 {
		t.Errorf("Expected 400 chunks, got %d", arena.Len())
	}
}

func TestChunkEnd(t *testing.T) {
	c := Chunk{StartPos: 4096, Length: 100}
	if c.End() != 4196 {
		t.Errorf("Expected end 4196, got %d", c.End())
	}
	if !c.IsHole() {
		t.Error("Expected chunk without a blob to be a hole")
	}
}
