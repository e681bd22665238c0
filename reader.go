package benchproxy

import (
	"errors"
	"io"
)

var ErrLimitReaderOverLimit = errors.New("over read limit")

func LimitReader(r io.Reader, n int64) io.Reader { return &LimitedReader{r, n} }

// LimitedReader behaves like io.LimitedReader but errors once more than
// N bytes are available instead of returning EOF.
type LimitedReader struct {
	R io.Reader
	N int64
}

func (l *LimitedReader) Read(p []byte) (n int, err error) {
	if l.N < 0 {
		return 0, ErrLimitReaderOverLimit
	}
	if int64(len(p)) > l.N {
		p = p[0 : l.N+1]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return
}
