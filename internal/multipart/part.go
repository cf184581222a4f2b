package multipart

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
)

var ErrPartClosed = errors.New("read from closed file part")

// Part is either a *FieldPart or a *FilePart.
type Part interface {
	FormName() string
	IsFile() bool
}

// FieldPart is a plain form field.
type FieldPart struct {
	Name  string
	Value string
}

func (f *FieldPart) FormName() string { return f.Name }
func (f *FieldPart) IsFile() bool     { return false }

// FilePart streams an uploaded file. Its content ends at the next
// boundary line. An empty FileName marks a file control that was
// submitted without a file.
type FilePart struct {
	Name         string
	FileName     string
	OriginalPath string
	ContentType  string

	content *partReader
	closed  bool
}

func (f *FilePart) FormName() string { return f.Name }
func (f *FilePart) IsFile() bool     { return true }

// HasFile reports whether a file was actually attached.
func (f *FilePart) HasFile() bool { return f.FileName != "" }

func (f *FilePart) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrPartClosed
	}
	return f.content.Read(p)
}

// Close discards any unread content so the parser can advance.
func (f *FilePart) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	_, err := io.Copy(io.Discard, f.content)
	return err
}

// WriteTo copies the remaining content to w.
func (f *FilePart) WriteTo(w io.Writer) (int64, error) {
	if f.closed {
		return 0, ErrPartClosed
	}
	return io.Copy(w, f.content)
}

// WriteToDir stores the content in dir under a name chosen by policy
// and returns the path written. FileName is updated to the stored
// name. A part without a file is drained and "" is returned.
func (f *FilePart) WriteToDir(dir string, policy RenamePolicy) (string, int64, error) {
	if !f.HasFile() {
		return "", 0, f.Close()
	}
	if policy == nil {
		policy = DefaultRenamePolicy{}
	}

	path, err := policy.Rename(dir, f.FileName)
	if err != nil {
		return "", 0, err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := f.WriteTo(out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", n, err
	}
	f.FileName = filepath.Base(path)
	return path, n, nil
}

// partReader yields the bytes of one part up to, but not including,
// the line terminator that precedes the next boundary line.
type partReader struct {
	p           *Parser
	pending     []byte
	eol         []byte // terminator held back until the next line is known
	atLineStart bool
	eof         bool
	err         error
}

func newPartReader(p *Parser) *partReader {
	return &partReader{p: p, atLineStart: true}
}

func (r *partReader) Read(b []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, io.EOF
		}
		r.fill()
	}
	n := copy(b, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *partReader) fill() {
	p := r.p
	n, err := p.src.ReadLine(p.buf, 0, len(p.buf))
	if err != nil {
		// The body ended without a closing boundary: the part is
		// truncated and nothing follows it.
		p.done = true
		if isEnd(err) {
			r.eof = true
		} else {
			r.err = err
		}
		return
	}
	seg := p.buf[:n]
	complete := seg[n-1] == '\n'

	if r.atLineStart && bytes.HasPrefix(seg, p.boundary) {
		if bytes.HasPrefix(seg[len(p.boundary):], []byte("--")) {
			p.done = true
		}
		if !complete {
			if err := p.skipLine(); err != nil {
				r.err = err
				return
			}
		}
		r.eol = nil
		r.eof = true
		return
	}

	// A CR split from its LF by the buffer edge.
	if !r.atLineStart && len(r.eol) == 1 && n == 1 && seg[0] == '\n' {
		r.eol = []byte("\r\n")
		r.atLineStart = true
		return
	}

	out := make([]byte, 0, len(r.eol)+n)
	out = append(out, r.eol...)
	r.eol = nil

	switch {
	case complete:
		cut := n - 1
		if cut > 0 && seg[cut-1] == '\r' {
			cut--
		}
		out = append(out, seg[:cut]...)
		r.eol = append([]byte(nil), seg[cut:]...)
		r.atLineStart = true
	case seg[n-1] == '\r':
		out = append(out, seg[:n-1]...)
		r.eol = []byte{'\r'}
		r.atLineStart = false
	default:
		out = append(out, seg...)
		r.atLineStart = false
	}
	r.pending = out
}
