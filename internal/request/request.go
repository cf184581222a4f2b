// Package request reads one HTTP/1.1 request from a connection: the
// request line, headers, cookies and parameters, with the body left on
// the wire for handlers to stream.
package request

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/webcore/internal/body"
	"github.com/Brownie44l1/webcore/internal/headers"
	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/multipart"
	"github.com/Brownie44l1/webcore/internal/response"
	"github.com/Brownie44l1/webcore/internal/users"
)

// ConnInfo describes the connection a request arrived on.
type ConnInfo struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	TLS        bool
}

// Authenticator resolves the user behind a request. It may set
// cookies on res.
type Authenticator interface {
	Authenticate(req *Request, res *response.Response) *users.User
}

type Options struct {
	Authenticator Authenticator
	// Response receives any Set-Cookie header written during
	// authentication.
	Response     *response.Response
	Logger       logging.Logger
	RenamePolicy multipart.RenamePolicy
	// OnUpload is called once for every file stored by Parts.
	OnUpload func(f UploadedFile)
}

// Request is a parsed request. The authenticated user is fixed when the
// request is read.
type Request struct {
	Method   string
	Protocol string
	Path     Path
	Query    string
	// Content holds a url-encoded form body that was read as parameters.
	Content string

	id          string
	ctx         context.Context
	headers     *headers.Headers
	cookies     map[string]string
	params      map[string][]string
	paramOrder  []string
	br          *bufio.Reader
	body        io.Reader
	conn        ConnInfo
	user        *users.User
	log         logging.Logger
	policy      multipart.RenamePolicy
	onUpload    func(UploadedFile)
	bodyClosers []io.Closer
}

// Read parses a request from br. A connection that closes or sends a
// blank line before any request line yields a Request whose Method is
// empty; callers drop such connections without replying.
func Read(ctx context.Context, br *bufio.Reader, conn ConnInfo, opts Options) (*Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Request{
		id:       uuid.NewString(),
		ctx:      ctx,
		headers:  headers.NewHeaders(),
		cookies:  make(map[string]string),
		params:   make(map[string][]string),
		br:       br,
		conn:     conn,
		log:      logging.OrNop(opts.Logger),
		policy:   opts.RenamePolicy,
		onUpload: opts.OnUpload,
	}
	if r.policy == nil {
		r.policy = multipart.DefaultRenamePolicy{}
	}

	line, err := readLine(br, maxRequestLineSize, ErrRequestLineTooLarge)
	if err != nil {
		return nil, err
	}
	r.parseRequestLine(line)
	if r.Method == "" {
		return r, nil
	}

	if err := r.readHeaders(); err != nil {
		return nil, err
	}
	if err := r.readParameters(); err != nil {
		return nil, err
	}

	if opts.Authenticator != nil && opts.Response != nil {
		r.user = opts.Authenticator.Authenticate(r, opts.Response)
	}
	return r, nil
}

func (r *Request) ID() string                    { return r.id }
func (r *Request) Context() context.Context      { return r.ctx }
func (r *Request) Conn() ConnInfo                { return r.conn }
func (r *Request) IsSecure() bool                { return r.conn.TLS }
func (r *Request) Headers() *headers.Headers     { return r.headers }
func (r *Request) User() *users.User             { return r.user }
func (r *Request) IsFromAuthenticatedUser() bool { return r.user != nil }

func (r *Request) UserHasRole(role string) bool {
	return r.user != nil && r.user.HasRole(role)
}

// Header returns the value of a header, or "".
func (r *Request) Header(name string) string {
	return r.headers.Value(name)
}

// Cookie implements users.CookieSource. Names are case-insensitive.
func (r *Request) Cookie(name string) string {
	return r.cookies[strings.ToLower(name)]
}

func (r *Request) ContentType() string {
	return r.Header("content-type")
}

// ContentLength returns -1 when the header is missing or invalid.
func (r *Request) ContentLength() int64 {
	v, ok := r.headers.Get("content-length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (r *Request) IsChunked() bool {
	return strings.Contains(strings.ToLower(r.Header("transfer-encoding")), "chunked")
}

// Body streams the request content: the Content-Length bytes that
// follow the headers, or the decoded chunks of a chunked body.
func (r *Request) Body() io.Reader {
	if r.body != nil {
		return r.body
	}
	if r.IsChunked() {
		cr := body.NewChunkedReader(r.br)
		r.bodyClosers = append(r.bodyClosers, cr)
		r.body = cr
	} else {
		r.body = body.NewLimitedReader(r.br, max(r.ContentLength(), 0))
	}
	return r.body
}

// Close releases the body stream. The connection itself belongs to the
// server.
func (r *Request) Close() error {
	var first error
	for _, c := range r.bodyClosers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.bodyClosers = nil
	return first
}

// ConditionalTime returns the If-Modified-Since time, or the zero time.
func (r *Request) ConditionalTime() time.Time {
	v := r.Header("if-modified-since")
	if v == "" {
		return time.Time{}
	}
	t, err := response.ParseHTTPDate(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AcceptsGzip reports whether the client listed gzip in Accept-Encoding.
func (r *Request) AcceptsGzip() bool {
	return strings.Contains(strings.ToLower(r.Header("accept-encoding")), "gzip")
}

// RemoteAddress returns the client IP, or "unknown".
func (r *Request) RemoteAddress() string {
	ip := addrIP(r.conn.RemoteAddr)
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}

// IsFromLocalHost reports whether the client is on a loopback address
// or on the address the server accepted it on.
func (r *Request) IsFromLocalHost() bool {
	remote := addrIP(r.conn.RemoteAddr)
	if remote == nil {
		return false
	}
	if remote.IsLoopback() {
		return true
	}
	local := addrIP(r.conn.LocalAddr)
	return local != nil && local.Equal(remote)
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			host = a.String()
		}
		return net.ParseIP(host)
	}
}

// Host returns the Host header, falling back to the local address.
func (r *Request) Host() string {
	if h := r.Header("host"); h != "" {
		return h
	}
	if r.conn.LocalAddr != nil {
		return r.conn.LocalAddr.String()
	}
	return ""
}

func (r *Request) HostWithoutPort() string {
	host := r.Host()
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

func (r *Request) IsFromUserAgent(agent string) bool {
	return strings.Contains(strings.ToLower(r.Header("user-agent")), strings.ToLower(agent))
}

func (r *Request) IsFromMobileDevice() bool {
	ua := strings.ToLower(r.Header("user-agent"))
	return strings.Contains(ua, "android") || strings.Contains(ua, "ipad") || strings.Contains(ua, "iphone")
}

// IsReferredFrom reports whether the Referer is a page of this host
// whose first path segment is context.
func (r *Request) IsReferredFrom(context string) bool {
	ref, err := url.Parse(r.Header("referer"))
	if err != nil || ref.Host == "" {
		return false
	}
	host, err := url.Parse("http://" + r.Host())
	if err != nil {
		return false
	}
	if ref.Hostname() != host.Hostname() || portOrDefault(ref) != portOrDefault(host) {
		return false
	}
	return NormalizePath(ref.Path).Element(0) == context
}

func portOrDefault(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	return "80"
}

// Parameter returns the first value of a parameter, or "".
func (r *Request) Parameter(name string) string {
	if v := r.params[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (r *Request) ParameterOr(name, def string) string {
	if v := r.params[name]; len(v) > 0 {
		return v[0]
	}
	return def
}

func (r *Request) HasParameter(name string) bool {
	_, ok := r.params[name]
	return ok
}

// ParameterValues returns every value of a parameter in arrival order.
func (r *Request) ParameterValues(name string) []string {
	return append([]string(nil), r.params[name]...)
}

// ParameterNames returns the names in first-arrival order.
func (r *Request) ParameterNames() []string {
	return append([]string(nil), r.paramOrder...)
}

func (r *Request) addParameter(name, value string) {
	if _, ok := r.params[name]; !ok {
		r.paramOrder = append(r.paramOrder, name)
	}
	r.params[name] = append(r.params[name], value)
}

func (r *Request) String() string {
	s := r.Method + " " + r.Path.String()
	if r.Query != "" {
		s += "?" + r.Query
	}
	if r.Method == "POST" && r.Content != "" {
		s += "\n" + r.Content
	}
	return s
}

// VerboseString lists the headers, cookies and parameters for debug
// logs. Long values are truncated.
func (r *Request) VerboseString() string {
	var b strings.Builder
	b.WriteString(r.String())
	b.WriteString("\nHeaders:\n")
	if r.headers.Len() == 0 {
		b.WriteString("  none\n")
	}
	r.headers.Each(func(name, value string) {
		fmt.Fprintf(&b, "  %s: %s\n", strings.ToLower(name), logging.Truncate(value))
	})

	b.WriteString("Cookies:\n")
	writeSorted(&b, len(r.cookies), func(fn func(k, v string)) {
		for k, v := range r.cookies {
			fn(k, v)
		}
	})

	b.WriteString("Parameters:\n")
	writeSorted(&b, len(r.params), func(fn func(k, v string)) {
		for k := range r.params {
			fn(k, r.Parameter(k))
		}
	})
	return b.String()
}

func writeSorted(b *strings.Builder, n int, each func(func(k, v string))) {
	if n == 0 {
		b.WriteString("  none\n")
		return
	}
	lines := make([]string, 0, n)
	each(func(k, v string) {
		lines = append(lines, "  "+k+": "+logging.Truncate(v)+"\n")
	})
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l)
	}
}
