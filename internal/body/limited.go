package body

import "io"

// LimitedReader reads at most N bytes from the underlying reader and
// reports io.EOF once the budget is spent, even if more data follows.
// It also offers a line primitive used by the multipart parser.
type LimitedReader struct {
	r       io.Reader
	br      io.ByteReader // r, when it can read single bytes
	remain  int64
	scratch [1]byte
}

// NewLimitedReader returns a reader that yields at most n bytes of r.
// A negative n is treated as zero.
func NewLimitedReader(r io.Reader, n int64) *LimitedReader {
	if n < 0 {
		n = 0
	}
	lr := &LimitedReader{r: r, remain: n}
	if br, ok := r.(io.ByteReader); ok {
		lr.br = br
	}
	return lr
}

// Remaining returns the unread part of the budget.
func (l *LimitedReader) Remaining() int64 {
	return l.remain
}

// MarkSupported always reports false; the budget cannot be rewound.
func (l *LimitedReader) MarkSupported() bool {
	return false
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remain {
		p = p[:l.remain]
	}
	n, err := l.r.Read(p)
	l.remain -= int64(n)
	if err == io.EOF && l.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// ReadByte reads one byte within the budget.
func (l *LimitedReader) ReadByte() (byte, error) {
	if l.remain <= 0 {
		return 0, io.EOF
	}
	if l.br != nil {
		b, err := l.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		l.remain--
		return b, nil
	}
	if _, err := io.ReadFull(l, l.scratch[:]); err != nil {
		return 0, err
	}
	return l.scratch[0], nil
}

// Skip discards up to n bytes and returns how many were discarded.
func (l *LimitedReader) Skip(n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	if n > l.remain {
		n = l.remain
	}
	return io.CopyN(io.Discard, l, n)
}

// ReadLine copies bytes into buf[off:] until a '\n' has been copied or
// max bytes are placed, whichever comes first. It returns the number
// of bytes placed, or io.EOF when nothing could be read.
func (l *LimitedReader) ReadLine(buf []byte, off, max int) (int, error) {
	if max <= 0 || off < 0 || off >= len(buf) {
		return 0, nil
	}
	if max > len(buf)-off {
		max = len(buf) - off
	}
	dst := buf[off : off+max]

	n := 0
	for n < len(dst) {
		b, err := l.ReadByte()
		if err != nil {
			if n == 0 {
				return 0, err
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return n, nil
			}
			return n, err
		}
		dst[n] = b
		n++
		if b == '\n' {
			break
		}
	}
	return n, nil
}
