package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"backfs/internal/codec"
	"backfs/internal/logging"
	"backfs/internal/overlay"
)

var (
	logger = logging.GetLogger().WithPrefix("snapshot")

	// ErrEmpty is returned when popping or peeking an empty stack.
	ErrEmpty = errors.New("snapshot stack is empty")
)

// frame is one encoded State on the stack.
type frame struct {
	data    []byte
	takenAt time.Time
}

// Stack holds snapshots for backtracking, newest on top. Each snapshot is
// stored as a CBOR frame, so later changes to the records cannot leak into
// a saved state.
type Stack struct {
	frames []frame
	limit  int
	mu     sync.Mutex
}

// NewStack creates a snapshot stack. When limit is positive, pushing onto a
// full stack discards the oldest snapshot.
func NewStack(limit int) *Stack {
	logger.Debug("Creating snapshot stack (limit %d)", limit)
	return &Stack{limit: limit}
}

// Push encodes state onto the stack and returns the new depth.
func (s *Stack) Push(state State) (int, error) {
	if state.Version == 0 {
		state.Version = StateVersion
	}
	data, err := codec.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, frame{data: data, takenAt: time.Now()})
	if s.limit > 0 && len(s.frames) > s.limit {
		dropped := len(s.frames) - s.limit
		logger.Debug("Discarding %d oldest snapshot(s)", dropped)
		s.frames = append([]frame(nil), s.frames[dropped:]...)
	}

	logger.Trace("Pushed snapshot of %d files (%d bytes), depth %d", len(state.Files), len(data), len(s.frames))
	return len(s.frames), nil
}

// Pop removes the newest snapshot and returns it.
func (s *Stack) Pop() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return State{}, ErrEmpty
	}
	top := s.frames[len(s.frames)-1]
	state, err := decodeFrame(top)
	if err != nil {
		return State{}, err
	}
	s.frames = s.frames[:len(s.frames)-1]
	logger.Trace("Popped snapshot taken at %s, depth %d", top.takenAt.Format(time.RFC3339Nano), len(s.frames))
	return state, nil
}

// Peek returns the newest snapshot without removing it. Restoring the same
// snapshot repeatedly is how an explorer tries several branches from one
// point.
func (s *Stack) Peek() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return State{}, ErrEmpty
	}
	return decodeFrame(s.frames[len(s.frames)-1])
}

// Depth returns the number of snapshots on the stack.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func decodeFrame(f frame) (State, error) {
	if len(f.data) == 0 {
		return State{}, fmt.Errorf("snapshot frame is empty")
	}
	var state State
	if err := codec.Unmarshal(f.data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Version < 1 || state.Version > StateVersion {
		return State{}, fmt.Errorf("snapshot version %d is not supported", state.Version)
	}
	if state.Files == nil {
		state.Files = make(map[string]overlay.Record)
	}
	return state, nil
}
