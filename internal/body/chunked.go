package body

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrInvalidChunkSize     = errors.New("invalid chunk size")
	ErrChunkSizeLineTooLong = errors.New("chunk size line too long")
	ErrBareLF               = errors.New("unexpected single newline in chunk size")
	ErrMissingCRLF          = errors.New("CRLF expected at end of chunk")
	ErrUnexpectedEOF        = fmt.Errorf("chunked stream ended unexpectedly: %w", io.ErrUnexpectedEOF)
	ErrClosed               = errors.New("read from closed chunked stream")
)

const maxChunkSizeLine = 1024

type byteReader interface {
	io.Reader
	io.ByteReader
}

// ChunkedReader decodes a chunked transfer-encoded body. Close drains
// whatever is left of the message but leaves the underlying reader
// open and positioned after the trailer.
type ChunkedReader struct {
	r      byteReader
	remain int64 // bytes left in the current chunk, -1 before the first size line
	eof    bool
	closed bool
	err    error
}

// NewChunkedReader wraps r. When r cannot read single bytes it is
// buffered, which may read past the end of the message.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ChunkedReader{r: br, remain: -1}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if c.remain <= 0 {
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
		if c.eof {
			return 0, io.EOF
		}
	}

	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.r.Read(p)
	c.remain -= int64(n)
	if err == io.EOF {
		err = ErrUnexpectedEOF
	}
	if err != nil {
		c.err = err
	}
	return n, err
}

// nextChunk consumes the CRLF closing the previous chunk (if any) and
// the next size line. A zero size also consumes the trailer.
func (c *ChunkedReader) nextChunk() error {
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return err
		}
	}
	size, err := c.readSize()
	if err != nil {
		return err
	}
	c.remain = size
	if size == 0 {
		c.eof = true
		return c.skipTrailer()
	}
	return nil
}

func (c *ChunkedReader) expectCRLF() error {
	cr, err := c.r.ReadByte()
	if err != nil {
		return ErrUnexpectedEOF
	}
	lf, err := c.r.ReadByte()
	if err != nil {
		return ErrUnexpectedEOF
	}
	if cr != '\r' || lf != '\n' {
		return fmt.Errorf("%w: got %q", ErrMissingCRLF, []byte{cr, lf})
	}
	return nil
}

// readSize reads "SIZE[;ext]\r\n". Quoted strings in the extension may
// hold ';' or escaped characters; the extension is discarded.
func (c *ChunkedReader) readSize() (int64, error) {
	const (
		normal = iota
		sawCR
		quoted
	)

	var sb strings.Builder
	state := normal
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, ErrUnexpectedEOF
		}
		if sb.Len() >= maxChunkSizeLine {
			return 0, ErrChunkSizeLineTooLong
		}
		switch state {
		case normal:
			switch b {
			case '\r':
				state = sawCR
			case '\n':
				return 0, ErrBareLF
			case '"':
				state = quoted
				sb.WriteByte(b)
			default:
				sb.WriteByte(b)
			}
		case sawCR:
			if b != '\n' {
				return 0, ErrBareLF
			}
			return parseSize(sb.String())
		case quoted:
			switch b {
			case '\\':
				next, err := c.r.ReadByte()
				if err != nil {
					return 0, ErrUnexpectedEOF
				}
				sb.WriteByte(next)
			case '"':
				state = normal
				sb.WriteByte(b)
			default:
				sb.WriteByte(b)
			}
		}
	}
}

func parseSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i > 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" || strings.TrimLeft(line, "0123456789abcdefABCDEF") != "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, line)
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, line)
	}
	return size, nil
}

// skipTrailer discards trailer fields up to and including the blank line.
func (c *ChunkedReader) skipTrailer() error {
	lineLen := 0
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return ErrUnexpectedEOF
		}
		if b == '\n' {
			if lineLen == 0 {
				return nil
			}
			lineLen = 0
			continue
		}
		if b != '\r' {
			lineLen++
		}
	}
}

// Close drains the rest of the message. It is safe to call twice.
func (c *ChunkedReader) Close() error {
	if c.closed {
		return nil
	}
	var err error
	if !c.eof && c.err == nil {
		_, err = io.Copy(io.Discard, readerFunc(c.Read))
	}
	c.eof = true
	c.closed = true
	return err
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
