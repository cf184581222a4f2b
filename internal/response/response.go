package response

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Brownie44l1/webcore/internal/headers"
	"github.com/Brownie44l1/webcore/internal/logging"
)

var ErrAlreadySent = errors.New("response already sent")

// DefaultGzipLimit is the largest body compressed in memory. Larger
// bodies are streamed uncompressed.
const DefaultGzipLimit int64 = 8 << 20

type state int

const (
	stateIdle state = iota
	stateSent
)

// item is one piece of response content. Files are opened and copied
// only when the response is sent.
type item interface {
	size() int64
	writeTo(w io.Writer) error
}

type bytesItem []byte

func (b bytesItem) size() int64 { return int64(len(b)) }

func (b bytesItem) writeTo(w io.Writer) error {
	_, err := w.Write(b)
	return err
}

type fileItem struct {
	path string
	n    int64
}

func (f fileItem) size() int64 { return f.n }

func (f fileItem) writeTo(w io.Writer) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	// The length was announced from stat; never send more or less.
	if _, err := io.CopyN(w, file, f.n); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

type Option func(*Response)

func WithLogger(l logging.Logger) Option {
	return func(r *Response) { r.log = logging.OrNop(l) }
}

// WithContentTypes replaces the default extension table.
func WithContentTypes(ct *ContentTypes) Option {
	return func(r *Response) {
		if ct != nil {
			r.types = ct
		}
	}
}

// WithClock sets the time source used for the Date, Expires and
// Last-Modified headers.
func WithClock(now func() time.Time) Option {
	return func(r *Response) { r.now = now }
}

// WithGzipLimit sets the largest body that is gzip-compressed.
func WithGzipLimit(n int64) Option {
	return func(r *Response) { r.gzipLimit = n }
}

// Response accumulates a status, headers and content items and writes
// them as one HTTP/1.1 message. A Response is sent at most once.
type Response struct {
	w       io.Writer
	bw      *bufio.Writer
	status  StatusCode
	headers *headers.Headers
	items   []item
	length  int64
	gzip    bool
	state   state

	gzipLimit int64

	types *ContentTypes
	log   logging.Logger
	now   func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// New returns an idle 200 response writing to w. The Date header is
// set immediately.
func New(w io.Writer, opts ...Option) *Response {
	r := &Response{
		w:      w,
		bw:     bufio.NewWriter(w),
		status: StatusOK,
		types:  defaultTypes,
		log:    logging.Nop{},
		now:    time.Now,

		gzipLimit: DefaultGzipLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reset()
	return r
}

func (r *Response) reset() {
	r.status = StatusOK
	r.items = nil
	r.length = 0
	r.headers = headers.NewHeaders()
	r.headers.Set("Date", HTTPDate(r.now()))
}

// Reset discards the status, headers and content assembled so far.
func (r *Response) Reset() error {
	if r.state == stateSent {
		return ErrAlreadySent
	}
	r.reset()
	return nil
}

func (r *Response) Sent() bool { return r.state == stateSent }

func (r *Response) Status() StatusCode { return r.status }

func (r *Response) SetStatus(code StatusCode) {
	r.status = code
}

// Header returns the value of a header already set on the response.
func (r *Response) Header(name string) string {
	return r.headers.Value(name)
}

func (r *Response) Headers() *headers.Headers {
	return r.headers
}

func (r *Response) SetHeader(name, value string) {
	r.headers.Set(name, value)
}

// AddHeader appends a value, as needed for several Set-Cookie lines.
func (r *Response) AddHeader(name, value string) {
	r.headers.Add(name, value)
}

func (r *Response) DelHeader(name string) {
	r.headers.Del(name)
}

// ContentLength is the total size of the content items added so far.
func (r *Response) ContentLength() int64 {
	return r.length
}

func (r *Response) add(it item) error {
	if r.state == stateSent {
		return ErrAlreadySent
	}
	r.items = append(r.items, it)
	r.length += it.size()
	return nil
}

func (r *Response) WriteString(s string) error {
	return r.add(bytesItem(s))
}

func (r *Response) WriteBytes(b []byte) error {
	return r.add(bytesItem(b))
}

// WriteFile adds the contents of a file. The file is read when the
// response is sent.
func (r *Response) WriteFile(path string) error {
	if r.state == stateSent {
		return ErrAlreadySent
	}
	info, err := os.Stat(path)
	if err != nil {
		r.log.Warn("unable to add file to the response", "path", path, "error", err)
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("add %s: is a directory", path)
	}
	return r.add(fileItem{path: path, n: info.Size()})
}

// WriteResource adds a file from an embedded or virtual filesystem.
func (r *Response) WriteResource(fsys fs.FS, name string) error {
	if r.state == stateSent {
		return ErrAlreadySent
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		r.log.Warn("unable to add resource to the response", "name", name, "error", err)
		return err
	}
	return r.add(bytesItem(data))
}

// NegotiateEncoding enables gzip when the Accept-Encoding value lists
// it. It reports whether gzip was enabled.
func (r *Response) NegotiateEncoding(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "gzip") {
			continue
		}
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		r.gzip = true
		return true
	}
	return false
}

func (r *Response) Gzip() bool { return r.gzip }

// Send writes the status line, the headers, the computed
// Content-Length and every content item in order.
func (r *Response) Send() error {
	if r.state == stateSent {
		return ErrAlreadySent
	}
	r.state = stateSent

	items, length := r.items, r.length
	if r.gzip && r.length > r.gzipLimit {
		r.log.Debug("body too large to compress", "bytes", r.length, "limit", r.gzipLimit)
	}
	if r.gzip && r.length <= r.gzipLimit && !strings.Contains(r.headers.Value("Content-Type"), "/zip") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		for _, it := range items {
			if err := it.writeTo(zw); err != nil {
				return err
			}
		}
		if err := zw.Close(); err != nil {
			return err
		}
		items = []item{bytesItem(buf.Bytes())}
		length = int64(buf.Len())
		r.headers.Set("Content-Encoding", "gzip")
	}
	r.headers.Del("Content-Length")

	if _, err := fmt.Fprintf(r.bw, "HTTP/1.1 %d %s\r\n", r.status, StatusText(r.status)); err != nil {
		return err
	}
	if _, err := r.headers.WriteTo(r.bw); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(r.bw, "Content-Length: %d\r\n\r\n", length); err != nil {
		return err
	}
	for _, it := range items {
		if err := it.writeTo(r.bw); err != nil {
			r.log.Debug("unable to write to the output stream", "error", err)
			return err
		}
	}
	return r.bw.Flush()
}

// Redirect sends a 302 to url. The response must not be sent again.
func (r *Response) Redirect(url string) error {
	r.SetStatus(StatusFound)
	r.SetHeader("Location", url)
	return r.Send()
}

// Close flushes buffered output and closes the underlying writer if it
// is an io.Closer. Only the first call has any effect.
func (r *Response) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.bw.Flush()
		if c, ok := r.w.(io.Closer); ok {
			if err := c.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
		if r.closeErr != nil {
			r.log.Warn("unable to close the output stream", "error", r.closeErr)
		}
	})
	return r.closeErr
}
