package response

import (
	"fmt"
	"html"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the layout of HTTP date headers.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// HTTPDate formats t for use in a header.
func HTTPDate(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseHTTPDate parses a header date written by HTTPDate.
func ParseHTTPDate(s string) (time.Time, error) {
	return time.Parse(TimeFormat, strings.TrimSpace(s))
}

// DisableCaching sets the headers that stop clients and proxies from
// caching the response.
func (r *Response) DisableCaching() {
	r.SetHeader("Expires", HTTPDate(r.now()))
	r.SetHeader("Pragma", "no-cache")
	r.SetHeader("Cache-Control", "no-cache")
}

// SetContentType sets Content-Type from a file extension and returns
// it, or "" when the extension is unknown and the header is untouched.
func (r *Response) SetContentType(ext string) string {
	ct, ok := r.types.Lookup(ext)
	if ok {
		r.SetHeader("Content-Type", ct)
	}
	return ct
}

// SetContentTypeForFile uses the extension of path.
func (r *Response) SetContentTypeForFile(path string) string {
	return r.SetContentType(filepath.Ext(path))
}

// SetContentDisposition marks the response as a download of name.
func (r *Response) SetContentDisposition(name string) string {
	disposition := fmt.Sprintf("attachment; filename=%q", filepath.Base(name))
	r.SetHeader("Content-Disposition", disposition)
	return disposition
}

func (r *Response) SetLastModified(t time.Time) {
	r.SetHeader("Last-Modified", HTTPDate(t))
}

// SetETag sets a quoted ETag from a numeric value, typically a file's
// modification time in milliseconds.
func (r *Response) SetETag(value int64) {
	r.SetHeader("ETag", `"`+strconv.FormatInt(value, 10)+`"`)
}

// Text sends a plain text response
func (r *Response) Text(code StatusCode, body string) error {
	r.SetStatus(code)
	r.SetHeader("Content-Type", "text/plain;charset=UTF-8")
	if err := r.WriteString(body); err != nil {
		return err
	}
	return r.Send()
}

// HTML sends an HTML response
func (r *Response) HTML(code StatusCode, body string) error {
	r.SetStatus(code)
	r.SetHeader("Content-Type", "text/html;charset=UTF-8")
	if err := r.WriteString(body); err != nil {
		return err
	}
	return r.Send()
}

// Error sends a small HTML error page. An empty message uses the
// reason phrase of code.
func (r *Response) Error(code StatusCode, message string) error {
	if message == "" {
		message = StatusText(code)
	}
	r.DisableCaching()
	page := fmt.Sprintf("<html><head><title>%d</title></head><body><h3>%s (HTTP %d)</h3></body></html>",
		code, html.EscapeString(message), code)
	return r.HTML(code, page)
}

// Empty sends code with no content.
func (r *Response) Empty(code StatusCode) error {
	r.SetStatus(code)
	return r.Send()
}
