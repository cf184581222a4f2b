package dispatch

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/webcore/internal/auth"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
	"github.com/Brownie44l1/webcore/internal/users"
)

var (
	localClient  = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 41000}
	remoteClient = &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 41000}
	serverAddr   = &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 8080}
)

type exchange struct {
	req *request.Request
	res *response.Response
	out *bytes.Buffer
}

func newExchange(t *testing.T, raw string, from net.Addr, authn *auth.Authenticator) *exchange {
	t.Helper()
	out := &bytes.Buffer{}
	res := response.New(out)
	opts := request.Options{Response: res}
	if authn != nil {
		opts.Authenticator = authn
	}
	req, err := request.Read(context.Background(), bufio.NewReader(strings.NewReader(raw)),
		request.ConnInfo{RemoteAddr: from, LocalAddr: serverAddr}, opts)
	require.NoError(t, err)
	return &exchange{req: req, res: res, out: out}
}

func get(t *testing.T, target string, from net.Addr, authn *auth.Authenticator, headerLines ...string) *exchange {
	t.Helper()
	raw := "GET " + target + " HTTP/1.1\r\nHost: server.example:8080\r\n"
	for _, h := range headerLines {
		raw += h + "\r\n"
	}
	return newExchange(t, raw+"\r\n", from, authn)
}

type reply struct {
	status  string
	headers map[string][]string
	body    string
}

func (r reply) header(name string) string {
	if v := r.headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (e *exchange) reply(t *testing.T) reply {
	t.Helper()
	head, body, ok := strings.Cut(e.out.String(), "\r\n\r\n")
	require.True(t, ok, "no header terminator in %q", e.out.String())
	lines := strings.Split(head, "\r\n")
	r := reply{status: lines[0], headers: map[string][]string{}, body: body}
	for _, line := range lines[1:] {
		name, value, _ := strings.Cut(line, ": ")
		r.headers[name] = append(r.headers[name], value)
	}
	return r
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileHandlerServesFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "page.html"), "<p>hello</p>")

	e := get(t, "/docs/../docs/page.html", remoteClient, nil)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))

	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, "<p>hello</p>", r.body)
	assert.Equal(t, "text/html;charset=UTF-8", r.header("Content-Type"))
	assert.NotEmpty(t, r.header("Last-Modified"))
	assert.NotEmpty(t, r.header("ETag"))
	assert.Empty(t, r.header("Pragma"))
}

func TestFileHandlerNotModified(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "page.html"), "<p>hello</p>")

	since := response.HTTPDate(time.Now().Add(time.Hour))
	e := get(t, "/page.html", remoteClient, nil, "If-Modified-Since: "+since)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))

	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 304 Not Modified", r.status)
	assert.NotEmpty(t, r.header("ETag"))
	assert.Empty(t, r.body)

	old := response.HTTPDate(time.Now().Add(-24 * time.Hour))
	e = get(t, "/page.html", remoteClient, nil, "If-Modified-Since: "+old)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 200 OK", e.reply(t).status)
}

func TestFileHandlerIndexFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "root index")
	writeFile(t, filepath.Join(root, "old", "index.htm"), "old index")

	e := get(t, "/", remoteClient, nil)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))
	assert.Equal(t, "root index", e.reply(t).body)

	e = get(t, "/old", remoteClient, nil)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))
	assert.Equal(t, "old index", e.reply(t).body)
}

func TestFileHandlerFallbacks(t *testing.T) {
	root := t.TempDir()
	cache, err := NewContentCache(filepath.Join(t.TempDir(), "cache"), 1<<20, nil)
	require.NoError(t, err)
	defer cache.Close()
	writeFile(t, filepath.Join(cache.Dir(), "lib", "cached.js"), "cached()")

	resources := fstest.MapFS{"builtin.css": {Data: []byte("body{}")}}
	h := NewFileHandler(root, "", WithCache(cache), WithResources(resources))

	e := get(t, "/lib/cached.js", remoteClient, nil)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "cached()", e.reply(t).body)

	e = get(t, "/builtin.css", remoteClient, nil)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "body{}", e.reply(t).body)

	e = get(t, "/missing.txt", remoteClient, nil)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 404 Not Found", e.reply(t).status)
}

func TestFileHandlerApplicationTypesDisableCaching(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "report.pdf"), "%PDF")

	e := get(t, "/report.pdf", remoteClient, nil)
	require.NoError(t, NewFileHandler(root, "").Get(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "application/pdf", r.header("Content-Type"))
	assert.Equal(t, "no-cache", r.header("Cache-Control"))
}

func TestFileHandlerOtherMethods(t *testing.T) {
	h := NewFileHandler(t.TempDir(), "")
	for _, call := range []func(*request.Request, *response.Response) error{h.Post, h.Put, h.Delete} {
		e := get(t, "/anything", remoteClient, nil)
		require.NoError(t, call(e.req, e.res))
		r := e.reply(t)
		assert.Equal(t, "HTTP/1.1 404 Not Found", r.status)
		assert.Equal(t, "no-cache", r.header("Cache-Control"))
	}

	e := get(t, "/anything", remoteClient, nil)
	require.NoError(t, h.Options(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, AllowedMethods, r.header("Allow"))
	assert.NoError(t, h.Destroy())
}

func TestContentCache(t *testing.T) {
	cache, err := NewContentCache(filepath.Join(t.TempDir(), "cache"), 1<<20, nil)
	require.NoError(t, err)
	defer cache.Close()

	archive := filepath.Join(t.TempDir(), "content.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{
		"site/app.js":        "app()",
		"META-INF/MANIFEST":  "skip",
		"org/Thing.class":    "skip",
		"site/style/app.css": "css",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	n, err := cache.Load(archive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, ok := cache.Get("/site/app.js")
	require.True(t, ok)
	assert.Equal(t, "app()", string(data))

	_, ok = cache.Get("../outside.txt")
	assert.False(t, ok)
	_, ok = cache.Get("META-INF/MANIFEST")
	assert.False(t, ok)
	_, ok = cache.Get("site")
	assert.False(t, ok)

	require.NoError(t, cache.Clear())
	_, ok = cache.Get("site/style/app.css")
	assert.False(t, ok)

	_, err = cache.Load(filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)
}

func TestRegistryKeepsOrder(t *testing.T) {
	r := NewRegistry(nil)
	a, b := FileFactory(), FileFactory()
	r.Handle("a", a)
	r.Handle("b", b)
	r.Handle("a", b)

	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "a", routes[0].Context)
	assert.Equal(t, "b", routes[1].Context)

	_, ok := r.Match("a")
	assert.True(t, ok)
	_, ok = r.Match("c")
	assert.False(t, ok)
}

func newAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	dir, err := users.NewFileDirectory(filepath.Join(t.TempDir(), "users.yaml"), nil)
	require.NoError(t, err)
	require.NoError(t, dir.AddUser(users.NewUser("alice", "secret")))
	require.NoError(t, dir.AddUser(users.NewUser("op", "secret", users.RoleShutdown)))
	return auth.New(dir)
}

func TestSelect(t *testing.T) {
	authn := newAuthenticator(t)
	d := New(t.TempDir(), true, authn)
	d.Register(ShutdownContext, ShutdownFactory(nil))
	d.Register("login", LoginFactory(authn))

	e := get(t, "/files/x", remoteClient, authn)
	assert.IsType(t, &LoginHandler{}, d.Select(e.req))

	e = get(t, "/shutdown", localClient, authn, "servicemanager: stop")
	assert.IsType(t, &ShutdownHandler{}, d.Select(e.req))

	e = get(t, "/shutdown", remoteClient, authn, "servicemanager: stop")
	assert.IsType(t, &LoginHandler{}, d.Select(e.req))

	e = get(t, "/shutdown/now", localClient, authn, "servicemanager: stop")
	assert.IsType(t, &LoginHandler{}, d.Select(e.req))

	e = get(t, "/shutdown", localClient, authn)
	assert.IsType(t, &LoginHandler{}, d.Select(e.req))

	basic := "Authorization: Basic YWxpY2U6c2VjcmV0"
	e = get(t, "/files/x", remoteClient, authn, basic)
	require.True(t, e.req.IsFromAuthenticatedUser())
	h := d.Select(e.req)
	require.IsType(t, &FileHandler{}, h)
	assert.Equal(t, "", h.(*FileHandler).Context)

	e = get(t, "/login/ajax", remoteClient, authn, basic)
	h = d.Select(e.req)
	require.IsType(t, &LoginHandler{}, h)
	assert.Equal(t, "login", h.(*LoginHandler).Context)
}

func TestSelectWithoutAuthentication(t *testing.T) {
	d := New(t.TempDir(), false, newAuthenticator(t))
	e := get(t, "/anything", remoteClient, nil)
	assert.IsType(t, &FileHandler{}, d.Select(e.req))
}

type destroyRecorder struct {
	*FileHandler
	name  string
	calls *[]string
	err   error
	panic bool
}

func (h *destroyRecorder) Destroy() error {
	*h.calls = append(*h.calls, h.name)
	if h.panic {
		panic("boom")
	}
	return h.err
}

func TestShutdownDestroysEveryContext(t *testing.T) {
	var calls []string
	factory := func(err error, panics bool) Factory {
		return func(root, context string) Handler {
			return &destroyRecorder{FileHandler: NewFileHandler(root, context), name: context, calls: &calls, err: err, panic: panics}
		}
	}
	d := New(t.TempDir(), false, nil)
	d.Register("first", factory(nil, false))
	d.Register("failing", factory(errors.New("cannot"), false))
	d.Register("panicking", factory(nil, true))
	d.Register("last", factory(nil, false))

	assert.NotPanics(t, d.Shutdown)
	assert.Equal(t, []string{"first", "failing", "panicking", "last"}, calls)
}

func cookieValue(t *testing.T, r reply) string {
	t.Helper()
	for _, c := range r.headers["Set-Cookie"] {
		if strings.HasPrefix(c, auth.CookieName+"=") {
			return strings.TrimPrefix(c, auth.CookieName+"=")
		}
	}
	t.Fatalf("no session cookie in %v", r.headers)
	return ""
}

func TestLoginFlow(t *testing.T) {
	authn := newAuthenticator(t)
	d := New(t.TempDir(), true, authn)
	d.Register("login", LoginFactory(authn))

	form := "username=alice&password=secret"
	raw := "POST /login HTTP/1.1\r\nHost: server.example:8080\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 30\r\n\r\n" + form
	e := newExchange(t, raw, remoteClient, authn)
	require.NoError(t, d.Select(e.req).Post(e.req, e.res))

	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 302 Found", r.status)
	assert.Equal(t, "/login", r.header("Location"))
	id := cookieValue(t, r)

	next := get(t, "/files/x", remoteClient, authn, "Cookie: RSNASESSION="+id)
	require.NotNil(t, next.req.User())
	assert.Equal(t, "alice", next.req.User().Username)
	assert.IsType(t, &FileHandler{}, d.Select(next.req))

	other := get(t, "/files/x", &net.TCPAddr{IP: net.ParseIP("192.168.1.99"), Port: 1}, authn, "Cookie: RSNASESSION="+id)
	assert.Nil(t, other.req.User())
}

func TestLoginAjax(t *testing.T) {
	authn := newAuthenticator(t)
	h := NewLoginHandler(t.TempDir(), "login", authn)

	e := get(t, "/login/ajax?username=alice&password=wrong", remoteClient, authn)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 403 Forbidden", e.reply(t).status)

	e = get(t, "/login/ajax?username=alice&password=secret", remoteClient, authn)
	require.NoError(t, h.Get(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	id := cookieValue(t, r)

	e = get(t, "/login/ajax?logout", remoteClient, authn, "Cookie: RSNASESSION="+id)
	require.NoError(t, h.Get(e.req, e.res))
	r = e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, []string{"RSNASESSION=NONE; Max-Age=0"}, r.headers["Set-Cookie"])
	assert.Equal(t, 0, authn.Sessions().Len())
}

func TestLoginPage(t *testing.T) {
	authn := newAuthenticator(t)
	h := NewLoginHandler(t.TempDir(), "", authn, WithResources(Resources()))

	e := get(t, "/reports?url=/reports/today", remoteClient, authn)
	require.NoError(t, h.Get(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, "text/html;charset=UTF-8", r.header("Content-Type"))
	assert.Equal(t, "no-cache", r.header("Cache-Control"))
	assert.Contains(t, r.body, `value="/reports/today"`)

	e = get(t, "/reports?url=%3Cscript%3E", remoteClient, authn)
	require.NoError(t, h.Get(e.req, e.res))
	body := e.reply(t).body
	assert.Contains(t, body, `name="url" value=""`)
	assert.NotContains(t, body, "<script>")

	e = get(t, "/reports?url=%2Fx%22+autofocus+onfocus%3Dalert(1)", remoteClient, authn)
	require.NoError(t, h.Get(e.req, e.res))
	body = e.reply(t).body
	assert.Contains(t, body, `name="url" value=""`)
	assert.NotContains(t, body, "onfocus")
}

func TestLoginPageFromRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, LoginPage), "custom ${url}")
	h := NewLoginHandler(root, "", newAuthenticator(t), WithResources(Resources()))

	e := get(t, "/x?url=/home", remoteClient, nil)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "custom /home", e.reply(t).body)
}

func TestLoginRedirectTargets(t *testing.T) {
	authn := newAuthenticator(t)
	tests := []struct {
		context string
		target  string
		want    string
	}{
		{"login", "/login?username=alice&password=secret", "/"},
		{"", "/files/a?username=alice&password=secret", "/files/a"},
		{"login", "/login?username=alice&password=secret&url=/files", "/files"},
		{"login", "/login?username=alice&password=secret&url=http://server.example/files", "http://server.example/files"},
		{"login", "/login?username=alice&password=secret&url=http://evil.example/files", "/"},
		{"login", "/login?username=alice&password=secret&url=javascript:alert(1)", "/"},
		{"login", "/login?username=alice&password=secret&url=/a%250d", "/"},
		{"login", "/login?username=alice&password=secret&url=", "/"},
		{"login", "/login?username=alice&password=secret&url=/a%22b", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			e := get(t, tt.target, remoteClient, authn)
			require.NoError(t, NewLoginHandler(t.TempDir(), tt.context, authn).Get(e.req, e.res))
			r := e.reply(t)
			assert.Equal(t, "HTTP/1.1 302 Found", r.status)
			assert.Equal(t, tt.want, r.header("Location"))
		})
	}
}

func TestLogoutRedirects(t *testing.T) {
	authn := newAuthenticator(t)
	h := NewLoginHandler(t.TempDir(), "login", authn)

	e := get(t, "/login?logout=1&url=/bye", remoteClient, authn, "Cookie: RSNASESSION=abc")
	require.NoError(t, h.Get(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 302 Found", r.status)
	assert.Equal(t, "/bye", r.header("Location"))
	assert.Equal(t, "RSNASESSION=NONE; Max-Age=0", r.header("Set-Cookie"))
}

func TestShutdownHandler(t *testing.T) {
	authn := newAuthenticator(t)
	stopped := make(chan struct{}, 3)
	h := NewShutdownHandler(t.TempDir(), ShutdownContext, func() { stopped <- struct{}{} })

	e := get(t, "/shutdown", remoteClient, authn, "servicemanager: stop")
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 403 Forbidden", e.reply(t).status)

	e = get(t, "/shutdown", localClient, authn, "servicemanager: stop")
	require.NoError(t, h.Get(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, "Goodbye.", r.body)

	e = get(t, "/shutdown", remoteClient, authn, "Authorization: Basic b3A6c2VjcmV0")
	require.NoError(t, h.Post(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 200 OK", e.reply(t).status)

	for i := 0; i < 2; i++ {
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("stop was not called")
		}
	}
	assert.Empty(t, stopped)
}

const uploadBody = "--b1\r\n" +
	"Content-Disposition: form-data; name=\"note\"\r\n" +
	"\r\n" +
	"first\r\n" +
	"--b1\r\n" +
	"Content-Disposition: form-data; name=\"file\"; filename=\"report.txt\"\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"line one\r\nline two\r\n" +
	"--b1--\r\n"

func upload(t *testing.T, body string) *exchange {
	t.Helper()
	raw := "POST /upload HTTP/1.1\r\n" +
		"Content-Type: multipart/form-data; boundary=b1\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"\r\n" + body
	return newExchange(t, raw, remoteClient, nil)
}

func TestUploadHandler(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "incoming")
	h := NewUploadHandler(t.TempDir(), "upload", dir, 0)
	assert.Equal(t, DefaultMaxUploadBytes, h.MaxBytes)

	e := upload(t, uploadBody)
	require.NoError(t, h.Post(e.req, e.res))
	r := e.reply(t)
	assert.Equal(t, "HTTP/1.1 200 OK", r.status)
	assert.Equal(t, "report.txt\n", r.body)
	assert.Equal(t, "first", e.req.Parameter("note"))

	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line one\r\nline two", string(data))

	e = upload(t, uploadBody)
	require.NoError(t, h.Put(e.req, e.res))
	assert.Equal(t, "report1.txt\n", e.reply(t).body)
}

func TestUploadHandlerWithoutFiles(t *testing.T) {
	h := NewUploadHandler(t.TempDir(), "upload", t.TempDir(), 16)

	// larger than the limit: nothing is stored
	e := upload(t, uploadBody)
	require.NoError(t, h.Post(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 400 Bad Request", e.reply(t).status)

	e = get(t, "/upload/missing.txt", remoteClient, nil)
	require.NoError(t, h.Get(e.req, e.res))
	assert.Equal(t, "HTTP/1.1 404 Not Found", e.reply(t).status)
}
