// Package auth resolves the user behind each request from session
// cookies and credentials, and keeps the table of live sessions.
package auth

import (
	"encoding/base64"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
	"github.com/Brownie44l1/webcore/internal/users"
)

const (
	// CookieName is the cookie carrying a local session id.
	CookieName = "RSNASESSION"
	// LegacyHeader carries "username:password" unencoded for old clients.
	LegacyHeader = "RSNA"

	DefaultTimeout = time.Hour
)

// Recorder is told about logins and rejected credentials.
type Recorder interface {
	SessionCreated()
	AuthFailed()
}

type Option func(*Authenticator)

func WithLogger(l logging.Logger) Option {
	return func(a *Authenticator) { a.log = logging.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(a *Authenticator) { a.rec = r }
}

// WithTimeout sets the idle time after which a session stops applying.
// Zero or less disables expiry.
func WithTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.SetTimeout(d) }
}

// Authenticator implements request.Authenticator over a user directory
// and a session store.
type Authenticator struct {
	dir     users.Directory
	store   *Store
	timeout atomic.Int64
	now     func() time.Time
	log     logging.Logger
	rec     Recorder
}

var _ request.Authenticator = (*Authenticator)(nil)

func New(dir users.Directory, opts ...Option) *Authenticator {
	a := &Authenticator{
		dir:   dir,
		store: NewStore(),
		now:   time.Now,
		log:   logging.Nop{},
	}
	a.timeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) Directory() users.Directory { return a.dir }
func (a *Authenticator) Sessions() *Store           { return a.store }

func (a *Authenticator) Timeout() time.Duration {
	return time.Duration(a.timeout.Load())
}

func (a *Authenticator) SetTimeout(d time.Duration) {
	a.timeout.Store(int64(d))
}

// Authenticate tries, in order: the SSO cookie, the local session
// cookie, Basic credentials and the legacy header. It returns nil when
// none of them yields a user.
func (a *Authenticator) Authenticate(req *request.Request, res *response.Response) *users.User {
	ip := req.RemoteAddress()
	now := a.now()

	if a.dir.SupportsSSO() {
		if user := a.fromSSO(req, ip, now); user != nil {
			return user
		}
	}

	if id := req.Cookie(CookieName); id != "" {
		if user := a.resume(id, ip, now); user != nil {
			return user
		}
		a.log.Debug("session cookie not accepted", "remote", ip)
	}

	if username, password, ok := basicCredentials(req.Header("authorization")); ok {
		if user := a.dir.Authenticate(username, password); user != nil {
			return user
		}
		a.failed("basic", username, ip)
	}

	if creds := strings.TrimSpace(req.Header(LegacyHeader)); creds != "" {
		username, password, _ := strings.Cut(creds, ":")
		if user := a.dir.Authenticate(username, password); user != nil {
			return user
		}
		a.failed("legacy header", username, ip)
	}
	return nil
}

// fromSSO resumes the session stored under the SSO token or, failing
// that, asks the directory to validate the token. A validated user gets
// a session stored under the token itself, not under its own id.
func (a *Authenticator) fromSSO(req *request.Request, ip string, now time.Time) *users.User {
	token := req.Cookie(a.dir.SSOCookieName())
	if token == "" {
		return nil
	}
	if user := a.resume(token, ip, now); user != nil {
		return user
	}
	user := a.dir.Validate(req)
	if user == nil {
		a.failed("sso", "", ip)
		return nil
	}
	a.store.Put(token, NewSession(user, ip, now))
	a.recordSession()
	a.log.Debug("sso session created", "user", user.Username, "remote", ip)
	return user
}

func (a *Authenticator) resume(key, ip string, now time.Time) *users.User {
	s := a.store.Get(key)
	if s == nil || !s.AppliesTo(ip, now, a.Timeout()) {
		return nil
	}
	s.Touch(now)
	return s.User
}

// basicCredentials decodes "Basic base64(user:pass)". A credential with
// no colon is a username with an empty password.
func basicCredentials(header string) (string, string, bool) {
	header = strings.TrimSpace(header)
	const scheme = "basic"
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(scheme):]))
	if err != nil {
		return "", "", false
	}
	username, password, _ := strings.Cut(string(decoded), ":")
	return username, password, true
}

func (a *Authenticator) failed(method, username, ip string) {
	a.log.Debug("authentication failed", "method", method, "user", username, "remote", ip)
	if a.rec != nil {
		a.rec.AuthFailed()
	}
}

func (a *Authenticator) recordSession() {
	if a.rec != nil {
		a.rec.SessionCreated()
	}
}

// CreateSession stores a session for user. Outside SSO deployments the
// session cookie is set on res.
func (a *Authenticator) CreateSession(user *users.User, req *request.Request, res *response.Response) bool {
	if user == nil {
		return false
	}
	s := NewSession(user, req.RemoteAddress(), a.now())
	a.store.Put(s.ID, s)
	a.recordSession()
	if !a.dir.SupportsSSO() {
		res.AddHeader("Set-Cookie", CookieName+"="+s.ID)
		res.SetHeader("Cache-Control", `no-cache="set-cookie"`)
	}
	a.log.Debug("session created", "user", user.Username, "remote", s.IP)
	return true
}

// Login checks the credentials against the directory and opens a
// session for the user. A failed login closes any session the request
// carried.
func (a *Authenticator) Login(username, password string, req *request.Request, res *response.Response) *users.User {
	user := a.dir.Authenticate(username, password)
	if user != nil && a.CreateSession(user, req, res) {
		return user
	}
	a.failed("login", username, req.RemoteAddress())
	a.CloseSession(req, res)
	return nil
}

// CloseSession forgets the session named by the request's cookies and
// expires the local cookie.
func (a *Authenticator) CloseSession(req *request.Request, res *response.Response) {
	if a.dir.SupportsSSO() {
		if token := req.Cookie(a.dir.SSOCookieName()); token != "" {
			a.store.Delete(token)
		}
	}
	id := req.Cookie(CookieName)
	if id == "" {
		return
	}
	a.store.Delete(id)
	res.AddHeader("Set-Cookie", CookieName+"=NONE; Max-Age=0")
	res.SetHeader("Cache-Control", `no-cache="set-cookie"`)
}

// Reap drops sessions idle beyond the timeout and returns how many went.
func (a *Authenticator) Reap() int {
	return a.store.Reap(a.now(), a.Timeout())
}
