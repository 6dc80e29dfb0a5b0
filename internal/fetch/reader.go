package fetch

import (
	"errors"
	"io"
)

var errBudgetExceeded = errors.New("byte budget exceeded")

// countingReader wraps an io.Reader, counts what passes through it and stops
// once more than limit bytes were read. A negative limit disables the check.
type countingReader struct {
	reader io.Reader
	limit  int64
	read   int64
	onRead func(n int)
}

func newCountingReader(r io.Reader, limit int64, onRead func(n int)) *countingReader {
	return &countingReader{
		reader: r,
		limit:  limit,
		onRead: onRead,
	}
}

func (cr *countingReader) Read(p []byte) (int, error) {
	if cr.limit >= 0 && int64(len(p)) > cr.limit-cr.read+1 {
		// Never read more than one byte past the limit.
		p = p[:cr.limit-cr.read+1]
	}

	n, err := cr.reader.Read(p)
	if n > 0 {
		cr.read += int64(n)

		if cr.onRead != nil {
			cr.onRead(n)
		}

		if cr.limit >= 0 && cr.read > cr.limit {
			return n, errBudgetExceeded
		}
	}

	return n, err
}

// Count returns the number of bytes read so far.
func (cr *countingReader) Count() int64 {
	return cr.read
}
