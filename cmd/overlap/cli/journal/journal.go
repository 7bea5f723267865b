// Package journal reads agent session journals: append-only JSONL files,
// one per session.
//
// Read is a resumable tail. Callers hold a byte offset per file and pass it
// back on the next call; the returned offset accounts for every complete
// line yielded, so re-reading from a prior offset always produces the same
// records no matter how appends were segmented.
package journal

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// ErrTruncated reports that the file is now smaller than the stored offset.
// Callers should reset their state for the path and re-read from zero.
var ErrTruncated = errors.New("journal file smaller than stored offset")

// Read returns the complete records between offset and the end of the file,
// along with the offset just past the last complete record.
//
// A trailing partial line (no terminating newline) is held back: it is not
// yielded and its bytes do not advance the offset. Records are returned
// without their newline terminator; blank lines advance the offset but are
// not yielded. A missing file is a no-op (nil records, unchanged offset).
func Read(path string, offset int64) ([][]byte, int64, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the watched journal root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		return nil, offset, ErrTruncated
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, err
		}
	}

	var records [][]byte
	reader := bufio.NewReader(f)
	newOffset := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return records, newOffset, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Partial tail. Held back until the writer finishes the line.
			break
		}

		newOffset += int64(len(line))
		if record := line[:len(line)-1]; len(record) > 0 {
			records = append(records, record)
		}
		if err == io.EOF {
			break
		}
	}

	return records, newOffset, nil
}

// Size returns the file's current size, or 0 if it does not exist.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
