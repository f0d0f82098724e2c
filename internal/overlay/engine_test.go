package overlay

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"backfs/internal/blob"
	"backfs/internal/history"
)

// setupTestEngine returns an engine with a fresh scratch directory and a
// pristine file holding content.
func setupTestEngine(t *testing.T, content string) (*Engine, string) {
	t.Helper()
	return setupTestEngineWith(t, content, blob.Options{})
}

func setupTestEngineWith(t *testing.T, content string, opts blob.Options) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := blob.Open(filepath.Join(dir, "scratch"), opts)
	if err != nil {
		t.Fatalf("Failed to open blob store: %v", err)
	}

	pristine := filepath.Join(dir, "pristine.txt")
	if err := os.WriteFile(pristine, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create pristine file: %v", err)
	}
	return NewEngine(store, history.NewArena()), pristine
}

func mustWrite(t *testing.T, e *Engine, rec *Record, pos int64, data string) {
	t.Helper()
	n, err := e.Write(rec, pos, []byte(data), 0, len(data))
	if err != nil {
		t.Fatalf("Failed to write %q at %d: %v", data, pos, err)
	}
	if n != len(data) {
		t.Fatalf("Expected %d bytes written, got %d", len(data), n)
	}
}

func mustReadAll(t *testing.T, e *Engine, rec *Record) string {
	t.Helper()
	data, err := e.ReadAll(rec)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	return string(data)
}

func TestOverlayScenario(t *testing.T) {
	e, pristine := setupTestEngine(t, "AAAAAAAAAA")
	rec, err := e.Open(pristine)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	mustWrite(t, e, rec, 2, "XYZ")
	if rec.Length != 10 {
		t.Errorf("Expected length 10, got %d", rec.Length)
	}
	if got := mustReadAll(t, e, rec); got != "AAXYZAAAAA" {
		t.Errorf("Expected %q, got %q", "AAXYZAAAAA", got)
	}

	snapshot := *rec
	mustWrite(t, e, rec, 4, "12")
	if got := mustReadAll(t, e, rec); got != "AAXY12AAAA" {
		t.Errorf("Expected %q, got %q", "AAXY12AAAA", got)
	}

	*rec = snapshot
	if got := mustReadAll(t, e, rec); got != "AAXYZAAAAA" {
		t.Errorf("Expected %q after rollback, got %q", "AAXYZAAAAA", got)
	}

	onDisk, _ := os.ReadFile(pristine)
	if string(onDisk) != "AAAAAAAAAA" {
		t.Errorf("Pristine file was modified: %q", onDisk)
	}
}

func TestRollbackBeforeFirstWrite(t *testing.T) {
	e, pristine := setupTestEngine(t, "0123456789")
	rec, _ := e.Open(pristine)
	before := *rec

	mustWrite(t, e, rec, 8, "abcdef")
	if rec.Length != 14 {
		t.Errorf("Expected length 14, got %d", rec.Length)
	}

	*rec = before
	if got := mustReadAll(t, e, rec); got != "0123456789" {
		t.Errorf("Expected pristine content, got %q", got)
	}
	depth, _ := e.Depth(rec)
	if depth != 0 {
		t.Errorf("Expected no reachable chunks, got %d", depth)
	}
}

func TestLastWriterWinsPerByte(t *testing.T) {
	e, pristine := setupTestEngine(t, "..........")
	rec, _ := e.Open(pristine)

	mustWrite(t, e, rec, 0, "aaaaaa")
	mustWrite(t, e, rec, 4, "bbbbbb")
	mustWrite(t, e, rec, 2, "cc")
	mustWrite(t, e, rec, 5, "d")

	if got := mustReadAll(t, e, rec); got != "aaccbdbbbb" {
		t.Errorf("Expected %q, got %q", "aaccbdbbbb", got)
	}
}

func TestReadRanges(t *testing.T) {
	e, pristine := setupTestEngine(t, "AAAAAAAAAA")
	rec, _ := e.Open(pristine)
	mustWrite(t, e, rec, 2, "XYZ")

	t.Run("PastEnd", func(t *testing.T) {
		buf := make([]byte, 4)
		for _, pos := range []int64{10, 11, 1000} {
			n, err := e.Read(rec, pos, buf, 0, 4)
			if err != nil || n != EOF {
				t.Errorf("Read at %d: expected EOF, got %d (%v)", pos, n, err)
			}
		}
	})

	t.Run("Straddle", func(t *testing.T) {
		buf := make([]byte, 8)
		n, err := e.Read(rec, 7, buf, 2, 6)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if n != 3 {
			t.Errorf("Expected 3 bytes, got %d", n)
		}
		if string(buf[2:5]) != "AAA" {
			t.Errorf("Expected %q, got %q", "AAA", buf[2:5])
		}
	})

	t.Run("DestinationOffset", func(t *testing.T) {
		buf := []byte("________")
		n, err := e.Read(rec, 1, buf, 3, 5)
		if err != nil || n != 5 {
			t.Fatalf("Expected 5 bytes, got %d (%v)", n, err)
		}
		if string(buf) != "___AXYZA" {
			t.Errorf("Expected %q, got %q", "___AXYZA", buf)
		}
	})

	t.Run("ZeroLength", func(t *testing.T) {
		n, err := e.Read(rec, 100, nil, 0, 0)
		if err != nil || n != 0 {
			t.Errorf("Expected 0, got %d (%v)", n, err)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		first := make([]byte, 10)
		second := make([]byte, 10)
		e.Read(rec, 0, first, 0, 10)
		e.Read(rec, 0, second, 0, 10)
		if !bytes.Equal(first, second) {
			t.Errorf("Repeated reads differ: %q vs %q", first, second)
		}
	})
}

func TestOutOfBounds(t *testing.T) {
	e, pristine := setupTestEngine(t, "AAAA")
	rec, _ := e.Open(pristine)
	before := *rec
	buf := make([]byte, 4)

	cases := []struct {
		name string
		call func() (int, error)
	}{
		{"WriteOverrun", func() (int, error) { return e.Write(rec, 0, buf, 2, 3) }},
		{"WriteNegativeOffset", func() (int, error) { return e.Write(rec, 0, buf, -1, 1) }},
		{"WriteNegativePosition", func() (int, error) { return e.Write(rec, -5, buf, 0, 1) }},
		{"ReadOverrun", func() (int, error) { return e.Read(rec, 0, buf, 1, 4) }},
		{"ReadNegativeLength", func() (int, error) { return e.Read(rec, 0, buf, 0, -1) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := c.call()
			if !IsOutOfBounds(err) {
				t.Errorf("Expected out of bounds error, got %v", err)
			}
			if IsFatal(err) {
				t.Errorf("Bounds error must not be fatal: %v", err)
			}
			var overlayErr *Error
			if !errors.As(err, &overlayErr) || overlayErr.Path != pristine {
				t.Errorf("Expected *Error for %s, got %v", pristine, err)
			}
		})
	}

	if diff := cmp.Diff(before, *rec); diff != "" {
		t.Errorf("Record changed by rejected operations (-want +got):\n%s", diff)
	}
}

func TestWritePastEndLeavesZeroHole(t *testing.T) {
	e, pristine := setupTestEngine(t, "AAAA")
	rec, _ := e.Open(pristine)

	mustWrite(t, e, rec, 7, "XY")
	if rec.Length != 9 {
		t.Errorf("Expected length 9, got %d", rec.Length)
	}
	if got := mustReadAll(t, e, rec); got != "AAAA\x00\x00\x00XY" {
		t.Errorf("Expected zero-filled hole, got %q", got)
	}

	// A later write into the hole takes precedence over it.
	mustWrite(t, e, rec, 5, "h")
	if got := mustReadAll(t, e, rec); got != "AAAA\x00h\x00XY" {
		t.Errorf("Expected %q, got %q", "AAAA\x00h\x00XY", got)
	}

	depth, _ := e.Depth(rec)
	if depth != 3 {
		t.Errorf("Expected hole, data and overwrite chunks, got %d", depth)
	}
}

func TestMissingPristine(t *testing.T) {
	e, pristine := setupTestEngine(t, "")
	rec, err := e.Open(pristine + ".missing")
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if rec.Length != 0 {
		t.Errorf("Expected length 0, got %d", rec.Length)
	}
	buf := make([]byte, 3)
	if n, _ := e.Read(rec, 0, buf, 0, 3); n != EOF {
		t.Errorf("Expected EOF on empty file, got %d", n)
	}

	mustWrite(t, e, rec, 0, "new")
	if got := mustReadAll(t, e, rec); got != "new" {
		t.Errorf("Expected %q, got %q", "new", got)
	}
}

func TestMissingBlobIsFatal(t *testing.T) {
	e, pristine := setupTestEngine(t, "AAAA")
	rec, _ := e.Open(pristine)
	mustWrite(t, e, rec, 1, "ZZ")

	c, err := e.Arena().Get(rec.Head)
	if err != nil {
		t.Fatalf("Failed to get head chunk: %v", err)
	}
	if err := os.Remove(filepath.Join(e.blobs.Dir(), string(c.Blob.ID))); err != nil {
		t.Fatalf("Failed to remove blob: %v", err)
	}

	_, err = e.Read(rec, 0, make([]byte, 4), 0, 4)
	if !IsFatal(err) {
		t.Errorf("Expected fatal backing store error, got %v", err)
	}
}

// TestResolveCoversWindow checks that after a walk the resolved bytes and
// the remaining gaps partition the read window exactly.
func TestResolveCoversWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := &Engine{}

	for iter := 0; iter < 500; iter++ {
		readable := 1 + rng.Intn(64)
		startPos := int64(rng.Intn(32))
		out := bytes.Repeat([]byte{0xFF}, readable)
		gaps := []gap{{off: 0, end: int64(readable)}}

		for i := rng.Intn(8); i > 0; i-- {
			c := history.Chunk{StartPos: int64(rng.Intn(100)), Length: int32(1 + rng.Intn(20))}
			var err error
			gaps, err = e.resolve(c, startPos, out, gaps)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
		}

		inGap := make([]bool, readable)
		prevEnd := int64(-1)
		for _, g := range gaps {
			if g.off >= g.end {
				t.Fatalf("Empty gap %+v", g)
			}
			if g.off <= prevEnd {
				t.Fatalf("Gaps overlap or are unordered: %+v", gaps)
			}
			prevEnd = g.end
			for i := g.off; i < g.end; i++ {
				inGap[i] = true
			}
		}
		for i := range out {
			if inGap[i] && out[i] != 0xFF {
				t.Fatalf("Byte %d is both resolved and in a gap", i)
			}
			if !inGap[i] && out[i] != 0 {
				t.Fatalf("Byte %d is neither resolved nor in a gap", i)
			}
		}
	}
}

// TestMatchesModel replays random writes and snapshots against a plain
// byte slice model, once per blob encoding.
func TestMatchesModel(t *testing.T) {
	tests := []struct {
		name string
		opts blob.Options
	}{
		{"none", blob.Options{}},
		{"lz4", blob.Options{Compression: blob.CompressionLZ4, Verify: true}},
		{"zstd", blob.Options{Compression: blob.CompressionZstd, Verify: true}},
		{"verify", blob.Options{Verify: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testMatchesModel(t, tt.opts)
		})
	}
}

func testMatchesModel(t *testing.T, opts blob.Options) {
	const pristineContent = "the quick brown fox jumps over the lazy dog"
	e, pristine := setupTestEngineWith(t, pristineContent, opts)
	rec, _ := e.Open(pristine)
	model := []byte(pristineContent)

	type saved struct {
		rec   Record
		model []byte
	}
	var stack []saved
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 300; step++ {
		switch op := rng.Intn(10); {
		case op < 6:
			pos := int64(rng.Intn(len(model) + 8))
			data := make([]byte, 1+rng.Intn(48))
			if rng.Intn(2) == 0 {
				rng.Read(data)
			} else {
				// Repetitive data, so the codecs store it compressed.
				pattern := byte('a' + rng.Intn(26))
				for i := range data {
					data[i] = pattern + byte(i%3)
				}
			}
			mustWrite(t, e, rec, pos, string(data))
			if end := int(pos) + len(data); end > len(model) {
				model = append(model, make([]byte, end-len(model))...)
			}
			copy(model[pos:], data)
		case op < 8:
			stack = append(stack, saved{rec: *rec, model: bytes.Clone(model)})
		default:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			*rec = top.rec
			model = top.model
		}

		if rec.Length != int64(len(model)) {
			t.Fatalf("Step %d: expected length %d, got %d", step, len(model), rec.Length)
		}

		pos := rng.Intn(len(model) + 1)
		length := 1 + rng.Intn(16)
		buf := bytes.Repeat([]byte{0xEE}, length)
		n, err := e.Read(rec, int64(pos), buf, 0, length)
		if err != nil {
			t.Fatalf("Step %d: read failed: %v", step, err)
		}
		if pos >= len(model) {
			if n != EOF {
				t.Fatalf("Step %d: expected EOF, got %d", step, n)
			}
			continue
		}
		want := model[pos:min(pos+length, len(model))]
		if diff := cmp.Diff(want, buf[:n]); diff != "" {
			t.Fatalf("Step %d: read at %d mismatch (-want +got):\n%s", step, pos, diff)
		}
	}
	if opts.Compression != blob.CompressionNone {
		stats := e.blobs.Stats()
		if stats.StoredBytes >= stats.Bytes {
			t.Errorf("Expected %v to store some blobs compressed, got %d of %d bytes", opts.Compression, stats.StoredBytes, stats.Bytes)
		}
	}
}
