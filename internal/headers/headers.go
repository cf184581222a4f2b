package headers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNoColon         = errors.New("malformed header: no colon")
	ErrWhitespaceName  = errors.New("malformed header: whitespace in name")
	ErrInvalidNameChar = errors.New("invalid character in header name")
	ErrObsoleteFolding = errors.New("obsolete line folding not supported")
)

type entry struct {
	name   string // as first set, used on the wire
	values []string
}

// Headers is a case-insensitive header table that remembers insertion
// order and the spelling a name was first set with.
type Headers struct {
	entries map[string]*entry
	order   []string
}

func NewHeaders() *Headers {
	return &Headers{
		entries: make(map[string]*entry),
	}
}

// Get returns the first value stored under key.
func (h *Headers) Get(key string) (string, bool) {
	e := h.entries[strings.ToLower(key)]
	if e == nil || len(e.values) == 0 {
		return "", false
	}
	return e.values[0], true
}

// Value is Get without the presence flag.
func (h *Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

func (h *Headers) Has(key string) bool {
	_, ok := h.entries[strings.ToLower(key)]
	return ok
}

// Set replaces every value of key with value.
func (h *Headers) Set(key, value string) { h.put(key, value, false) }

func (h *Headers) Add(key, value string) { h.put(key, value, true) }

func (h *Headers) put(key, value string, keep bool) {
	lk := strings.ToLower(key)
	e, ok := h.entries[lk]
	if !ok {
		e = &entry{name: key}
		h.entries[lk] = e
		h.order = append(h.order, lk)
	}
	if !keep {
		e.values = e.values[:0:0]
	}
	e.values = append(e.values, value)
}

func (h *Headers) Del(key string) {
	lk := strings.ToLower(key)
	if _, ok := h.entries[lk]; !ok {
		return
	}
	delete(h.entries, lk)
	for i, k := range h.order {
		if k == lk {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len counts distinct names, not values.
func (h *Headers) Len() int {
	return len(h.order)
}

// Each calls fn for every name/value pair in insertion order,
// passing the name with its original spelling.
func (h *Headers) Each(fn func(name, value string)) {
	for _, k := range h.order {
		e := h.entries[k]
		for _, v := range e.values {
			fn(e.name, v)
		}
	}
}

// WriteTo writes the headers in wire format, one "Name: value\r\n"
// line per value. No terminating blank line is written.
func (h *Headers) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	h.Each(func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	})
	return buf.WriteTo(w)
}

// Parse consumes complete "name: value" lines from data until the
// blank line ending the block. A repeated name replaces the earlier
// value. It reports how many bytes were consumed and whether the blank
// line was reached; a trailing partial line is left for the next call.
func (h *Headers) Parse(data []byte) (n int, done bool, err error) {
	for {
		line, rest, ok := bytes.Cut(data[n:], crlf)
		if !ok {
			return n, false, nil
		}
		if len(line) == 0 {
			return n + len(crlf), true, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return n, false, ErrObsoleteFolding
		}
		name, value, err := ParseLine(string(line))
		if err != nil {
			return n, false, err
		}
		h.Set(name, value)
		n = len(data) - len(rest)
	}
}

var crlf = []byte("\r\n")

// ParseLine splits one header line at its first colon. The name comes
// back lower-cased, the value trimmed.
func ParseLine(line string) (name, value string, err error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", ErrNoColon
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", "", ErrWhitespaceName
	}
	if i := strings.IndexFunc(name, func(r rune) bool { return r > 0x7f || !isValidHeaderChar(byte(r)) }); i >= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNameChar, name[i])
	}
	return strings.ToLower(name), strings.TrimSpace(value), nil
}

func isValidHeaderChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') ||
		(b >= 'a' && b <= 'z') ||
		(b >= '0' && b <= '9') ||
		b == '!' || b == '#' || b == '$' || b == '%' || b == '&' ||
		b == '\'' || b == '*' || b == '+' || b == '-' || b == '.' ||
		b == '^' || b == '_' || b == '`' || b == '|' || b == '~'
}
