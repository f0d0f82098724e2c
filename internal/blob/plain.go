package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ReadPlain reads from an ordinary file at pos into dst. It is the read
// path for pristine content: a missing file reads as zero bytes and the end
// of the file gives a short count, neither is an error.
func ReadPlain(path string, pos int64, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	n, err := file.ReadAt(dst, pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to read %s at %d: %w", path, pos, err)
	}
	return n, nil
}

// PlainSize returns the size of an ordinary file, 0 if it does not exist.
func PlainSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}
