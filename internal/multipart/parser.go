// Package multipart decodes multipart/form-data request bodies into a
// lazy sequence of field and file parts. File content is streamed and
// never buffered whole.
package multipart

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Brownie44l1/webcore/internal/body"
	"github.com/Brownie44l1/webcore/internal/headers"
	"github.com/Brownie44l1/webcore/internal/logging"
)

var (
	ErrMissingBoundary     = errors.New("separation boundary was not specified")
	ErrPrematureEnd        = errors.New("corrupt form data: premature ending")
	ErrCorruptDisposition  = errors.New("content disposition corrupt")
	ErrInvalidDisposition  = errors.New("invalid content disposition")
	ErrUnsupportedEncoding = errors.New("unsupported text encoding")
)

const (
	lineBufSize        = 8 * 1024
	defaultContentType = "text/plain"
	dicomContentType   = "application/dicom"
)

// LineReader is a byte source with a bounded line primitive, as
// provided by body.LimitedReader.
type LineReader interface {
	io.Reader
	ReadLine(buf []byte, off, max int) (int, error)
}

type Option func(*Parser) error

// WithEncoding sets the charset used to decode field values and
// header lines. Only UTF-8 and ISO-8859-1, under any of their usual
// labels, are accepted. The default is UTF-8.
func WithEncoding(name string) Option {
	return func(p *Parser) error {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, name)
		}
		// htmlindex folds the latin-1 labels into windows-1252.
		switch canonical, _ := htmlindex.Name(enc); canonical {
		case "utf-8":
			p.enc = enc
		case "windows-1252":
			p.enc = charmap.ISO8859_1
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, name)
		}
		return nil
	}
}

func WithLogger(l logging.Logger) Option {
	return func(p *Parser) error {
		p.log = logging.OrNop(l)
		return nil
	}
}

// Parser yields the parts of one multipart body. At most one FilePart
// is readable at a time: NextPart closes the previous one.
type Parser struct {
	src      LineReader
	boundary []byte
	buf      []byte
	enc      encoding.Encoding
	log      logging.Logger
	last     *FilePart
	done     bool
}

// NewParser reads past the preamble of r up to the first boundary
// line. contentType must carry a boundary parameter. A source that is
// not a LineReader is buffered and read without a byte budget, so
// callers should bound it themselves.
func NewParser(r io.Reader, contentType string, opts ...Option) (*Parser, error) {
	boundary := ExtractBoundary(contentType)
	if boundary == "" {
		return nil, ErrMissingBoundary
	}

	src, ok := r.(LineReader)
	if !ok {
		src = body.NewLimitedReader(bufio.NewReader(r), math.MaxInt64)
	}

	p := &Parser{
		src:      src,
		boundary: []byte(boundary),
		buf:      make([]byte, lineBufSize),
		log:      logging.Nop{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	// Skip the preamble.
	for {
		line, ok, err := p.readLine()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPrematureEnd
		}
		if bytes.HasPrefix(line, p.boundary) {
			if bytes.HasPrefix(line[len(p.boundary):], []byte("--")) {
				p.done = true
			}
			break
		}
	}
	return p, nil
}

// ExtractBoundary returns the boundary marker ("--" + token) declared
// in a content type, or "" when there is none. The last boundary=
// wins; some old clients repeat it.
func ExtractBoundary(contentType string) string {
	idx := strings.LastIndex(strings.ToLower(contentType), "boundary=")
	if idx == -1 {
		return ""
	}
	b := contentType[idx+len("boundary="):]
	if strings.HasPrefix(b, `"`) {
		b = b[1:]
		if end := strings.LastIndex(b, `"`); end >= 0 {
			b = b[:end]
		}
	} else {
		if end := strings.IndexByte(b, ';'); end >= 0 {
			b = b[:end]
		}
		b = strings.TrimSpace(b)
	}
	if b == "" {
		return ""
	}
	return "--" + b
}

// NextPart returns the next part, or nil when the body holds no more
// parts. Trailing garbage and a body that ends while headers are
// being read both count as the end, not as errors.
func (p *Parser) NextPart() (Part, error) {
	if p.last != nil {
		if err := p.last.Close(); err != nil {
			return nil, err
		}
		p.last = nil
	}
	if p.done {
		return nil, nil
	}

	hdrs, ok, err := p.readHeaders()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.done = true
		return nil, nil
	}

	var (
		disp        disposition
		contentType = defaultContentType
	)
	for _, line := range hdrs {
		name, value, err := headers.ParseLine(line)
		if err != nil {
			p.log.Debug("skipping unparseable part header", "line", logging.Truncate(line))
			continue
		}
		switch name {
		case "content-disposition":
			if disp, err = parseDisposition(value); err != nil {
				return nil, err
			}
		case "content-type":
			if ct := parseContentType(value); ct != "" {
				contentType = ct
			}
		}
	}

	if contentType == dicomContentType && disp.name == "" && !disp.hasFilename {
		disp.name = "stowrs"
		disp.filename = "stowrs.dcm"
		disp.origPath = "stowrs.dcm"
		disp.hasFilename = true
		contentType = "application/octet-stream"
	}

	content := newPartReader(p)

	if !disp.hasFilename && contentType != dicomContentType {
		raw, err := io.ReadAll(content)
		if err != nil {
			return nil, err
		}
		raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
		value, err := p.decode(raw)
		if err != nil {
			return nil, err
		}
		p.log.Debug("multipart field", "name", disp.name, "bytes", len(raw))
		return &FieldPart{Name: disp.name, Value: value}, nil
	}

	fp := &FilePart{
		Name:         disp.name,
		FileName:     disp.filename,
		OriginalPath: disp.origPath,
		ContentType:  contentType,
		content:      content,
	}
	p.last = fp
	p.log.Debug("multipart file", "name", fp.Name, "filename", fp.FileName, "content_type", fp.ContentType)
	return fp, nil
}

// Close releases the active file part, if any. Further calls to
// NextPart report no more parts.
func (p *Parser) Close() error {
	p.done = true
	if p.last != nil {
		err := p.last.Close()
		p.last = nil
		return err
	}
	return nil
}

// readHeaders collects the header block of a part, joining
// continuation lines. ok is false when the stream ends first or the
// block is empty.
func (p *Parser) readHeaders() ([]string, bool, error) {
	line, ok, err := p.readLine()
	if err != nil || !ok || len(line) == 0 {
		return nil, false, err
	}

	var hdrs []string
	for ok && len(line) > 0 {
		var next []byte
		for {
			next, ok, err = p.readLine()
			if err != nil {
				return nil, false, err
			}
			if ok && len(next) > 0 && (next[0] == ' ' || next[0] == '\t') {
				line = append(line, next...)
				continue
			}
			break
		}
		decoded, err := p.decode(line)
		if err != nil {
			return nil, false, err
		}
		hdrs = append(hdrs, decoded)
		line = next
	}
	if !ok {
		return nil, false, nil
	}
	return hdrs, true, nil
}

// readLine returns the next line without its terminator. ok is false
// when nothing could be read.
func (p *Parser) readLine() ([]byte, bool, error) {
	var out []byte
	read := false
	for {
		n, err := p.src.ReadLine(p.buf, 0, len(p.buf))
		if err != nil {
			if isEnd(err) {
				break
			}
			return nil, false, err
		}
		read = true
		out = append(out, p.buf[:n]...)
		if n < len(p.buf) || p.buf[n-1] == '\n' {
			break
		}
	}
	if !read {
		return nil, false, nil
	}
	return trimEOL(out), true, nil
}

// skipLine discards the remainder of the current line.
func (p *Parser) skipLine() error {
	for {
		n, err := p.src.ReadLine(p.buf, 0, len(p.buf))
		if err != nil {
			if isEnd(err) {
				return nil
			}
			return err
		}
		if n < len(p.buf) || p.buf[n-1] == '\n' {
			return nil
		}
	}
}

func (p *Parser) decode(b []byte) (string, error) {
	if p.enc == nil {
		return string(b), nil
	}
	out, err := p.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isEnd(err error) bool {
	return err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

type disposition struct {
	kind        string
	name        string
	filename    string
	origPath    string
	hasFilename bool
}

// parseDisposition reads `form-data; name="x"; filename="dir/y.txt"`.
// Quoted and bare parameter values are both accepted.
func parseDisposition(value string) (disposition, error) {
	var d disposition

	params := splitParams(value)
	if len(params) < 2 {
		return d, fmt.Errorf("%w: %q", ErrCorruptDisposition, value)
	}
	d.kind = strings.ToLower(strings.TrimSpace(params[0]))
	if d.kind != "form-data" && d.kind != "attachment" {
		return d, fmt.Errorf("%w: %s", ErrInvalidDisposition, d.kind)
	}

	hasName := false
	for _, param := range params[1:] {
		key, val, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = unquote(strings.TrimSpace(val))
		switch key {
		case "name":
			d.name = val
			hasName = true
		case "filename":
			d.hasFilename = true
			d.origPath = val
			d.filename = val
			if slash := strings.LastIndexAny(val, `/\`); slash >= 0 {
				d.filename = val[slash+1:]
			}
		}
	}
	if !hasName {
		return d, fmt.Errorf("%w: %q", ErrCorruptDisposition, value)
	}
	return d, nil
}

// splitParams splits on ';' outside double quotes.
func splitParams(s string) []string {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseContentType lower-cases a part content type and drops its
// parameters.
func parseContentType(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
