package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Brownie44l1/webcore/internal/headers"
	"github.com/Brownie44l1/webcore/internal/logging"
)

// Size limits
const (
	maxRequestLineSize = 8192
	maxHeaderLineSize  = 8192
	maxHeaderSize      = 1 << 20
	maxHeaderLines     = 1000
	maxFormSize        = 10 << 20
)

var (
	ErrRequestLineTooLarge = errors.New("request line too large")
	ErrHeaderTooLarge      = errors.New("headers too large")
	ErrTooManyHeaders      = errors.New("too many header lines")
	ErrBodyTooLarge        = errors.New("form body too large")
)

// readRawLine returns the next line with its terminator. End of input
// before any byte yields an empty slice and no error.
func readRawLine(br *bufio.Reader, limit int, tooLong error) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > limit {
			return nil, tooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return nil, err
	}
	return line, nil
}

// readLine is readRawLine with surrounding whitespace removed.
func readLine(br *bufio.Reader, limit int, tooLong error) (string, error) {
	line, err := readRawLine(br, limit, tooLong)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(line)), nil
}

// parseRequestLine splits "METHOD target HTTP/x.y". A line without a
// space leaves Method empty; a line without " HTTP" keeps the method
// and leaves the path at the root.
func (r *Request) parseRequestLine(line string) {
	methodEnd := strings.IndexByte(line, ' ')
	if methodEnd < 0 {
		return
	}
	r.Method = strings.ToUpper(line[:methodEnd])

	protoStart := strings.Index(line[methodEnd:], " HTTP")
	if protoStart < 0 {
		return
	}
	protoStart += methodEnd
	r.Protocol = strings.TrimSpace(line[protoStart:])

	target := strings.TrimSpace(line[methodEnd:protoStart])
	if q := strings.IndexByte(target, '?'); q >= 0 {
		r.Query = target[q+1:]
		target = strings.TrimSpace(target[:q])
	}
	decoded, err := url.PathUnescape(target)
	if err != nil {
		r.log.Warn("undecodable path", "path", logging.Truncate(target))
		decoded = target
	}
	r.Path = NormalizePath(decoded)
}

// readHeaders feeds header lines to the header table up to the blank
// line. Lines that do not parse are skipped, a folded line rejects the
// request. A repeated name keeps its last value.
func (r *Request) readHeaders() error {
	total := 0
	for n := 0; ; n++ {
		if n > maxHeaderLines {
			return ErrTooManyHeaders
		}
		raw, err := readRawLine(r.br, maxHeaderLineSize, ErrHeaderTooLarge)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if strings.TrimSpace(line) == "" {
			line = ""
		}
		total += len(line)
		if total > maxHeaderSize {
			return ErrHeaderTooLarge
		}

		_, done, err := r.headers.Parse([]byte(line + "\r\n"))
		switch {
		case done:
			return nil
		case errors.Is(err, headers.ErrObsoleteFolding):
			return fmt.Errorf("%w: %q", err, logging.Truncate(line))
		case err != nil:
			r.log.Debug("skipping header line", "line", logging.Truncate(line), "error", err)
			continue
		}
		if name, _, _ := strings.Cut(line, ":"); strings.EqualFold(strings.TrimSpace(name), "cookie") {
			r.addCookies(r.headers.Value("cookie"))
		}
	}
}

// addCookies splits "a=1; b=2". Names are lower-cased and names
// starting with '$' are attributes, not cookies.
func (r *Request) addCookies(value string) {
	for _, part := range strings.Split(value, ";") {
		k := strings.IndexByte(part, '=')
		if k <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(part[:k]))
		if name == "" || strings.HasPrefix(name, "$") {
			continue
		}
		r.cookies[name] = strings.TrimSpace(part[k+1:])
	}
}

// readParameters takes parameters from the query string, or from the
// body of a url-encoded POST or PUT.
func (r *Request) readParameters() error {
	if (r.Method == "POST" || r.Method == "PUT") &&
		strings.Contains(strings.ToLower(r.ContentType()), "application/x-www-form-urlencoded") {
		if r.ContentLength() > maxFormSize {
			return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, r.ContentLength())
		}
		data, err := io.ReadAll(io.LimitReader(r.Body(), maxFormSize+1))
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read form body: %w", err)
		}
		if len(data) > maxFormSize {
			return ErrBodyTooLarge
		}
		r.Content = string(data)
		r.parseQuery(r.Content)
		return nil
	}
	r.parseQuery(r.Query)
	return nil
}

// parseQuery adds "a=1&b=&c" style pairs. A pair without '=' has an
// empty value.
func (r *Request) parseQuery(query string) {
	if strings.TrimSpace(query) == "" {
		return
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(strings.TrimSpace(rawName))
		if err != nil {
			r.log.Debug("undecodable parameter name", "name", logging.Truncate(rawName))
			continue
		}
		value, err := url.QueryUnescape(strings.TrimSpace(rawValue))
		if err != nil {
			r.log.Debug("undecodable parameter value", "name", name)
			continue
		}
		r.addParameter(name, value)
	}
}
