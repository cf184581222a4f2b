package dispatch

import (
	"net/url"
	"strings"

	"github.com/Brownie44l1/webcore/internal/auth"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

// LoginPage is the resource served by LoginHandler. The text ${url} in
// it is replaced by the page to return to after login.
const LoginPage = "login.html"

// LoginHandler logs users in and out. GET and POST with username and
// password log in and redirect; a path ending in /ajax answers 200 or
// 403 instead of redirecting.
type LoginHandler struct {
	*FileHandler
	auth *auth.Authenticator
}

func NewLoginHandler(root, context string, authn *auth.Authenticator, opts ...FileOption) *LoginHandler {
	return &LoginHandler{FileHandler: NewFileHandler(root, context, opts...), auth: authn}
}

// LoginFactory registers the login handler on a context.
func LoginFactory(authn *auth.Authenticator, opts ...FileOption) Factory {
	return func(root, context string) Handler {
		return NewLoginHandler(root, context, authn, opts...)
	}
}

func (h *LoginHandler) Get(req *request.Request, res *response.Response) error {
	h.log.Debug("login request", "request", req.VerboseString())
	logout := req.HasParameter("logout")

	if strings.HasSuffix(req.Path.String(), "/ajax") {
		if logout {
			h.auth.CloseSession(req, res)
			return res.Send()
		}
		if h.login(req, res) {
			res.SetStatus(response.StatusOK)
		} else {
			res.SetStatus(response.StatusForbidden)
		}
		return res.Send()
	}

	if logout {
		h.auth.CloseSession(req, res)
		return h.redirect(req, res)
	}
	if req.HasParameter("username") && req.HasParameter("password") {
		h.login(req, res)
		return h.redirect(req, res)
	}
	if req.HasParameter("skip") && req.IsFromAuthenticatedUser() {
		return h.redirect(req, res)
	}

	page, err := h.Resource(LoginPage)
	if err != nil {
		return err
	}
	target := req.Parameter("url")
	if h.isAttack(req, target) {
		target = ""
	}
	if err := res.WriteString(strings.ReplaceAll(string(page), "${url}", target)); err != nil {
		return err
	}
	res.DisableCaching()
	res.SetContentType("html")
	return res.Send()
}

func (h *LoginHandler) Post(req *request.Request, res *response.Response) error {
	h.log.Debug("login request", "request", req.VerboseString())
	h.login(req, res)
	return h.redirect(req, res)
}

func (h *LoginHandler) login(req *request.Request, res *response.Response) bool {
	if !req.HasParameter("username") || !req.HasParameter("password") {
		h.auth.CloseSession(req, res)
		return false
	}
	user := h.auth.Login(req.Parameter("username"), req.Parameter("password"), req, res)
	h.log.Debug("login", "user", req.Parameter("username"), "passed", user != nil)
	return user != nil
}

// redirect goes to the url parameter when there is one. Otherwise it
// returns to the request path, minus the context when the path ends
// there. Suspicious or foreign targets are replaced by "/".
func (h *LoginHandler) redirect(req *request.Request, res *response.Response) error {
	target := req.Parameter("url")
	if !req.HasParameter("url") {
		target = req.Path.String()
		if h.Context != "" && strings.HasSuffix(target, "/"+h.Context) {
			target = target[:len(target)-len(h.Context)]
		}
	}
	if target == "" || h.isAttack(req, target) || !isSameHost(req, target) {
		target = "/"
	}
	return res.Redirect(target)
}

// isSameHost rejects absolute URLs naming another host.
func isSameHost(req *request.Request, target string) bool {
	if strings.HasPrefix(target, "/") || !strings.Contains(target, "://") {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Hostname() == req.HostWithoutPort()
}

// isAttack flags targets carrying markup, quotes, line breaks, escapes
// or script URLs.
func (h *LoginHandler) isAttack(req *request.Request, target string) bool {
	attack := strings.ContainsAny(target, "\n\r<>%\"'") || strings.Contains(target, "javascript")
	if attack {
		h.log.Warn("attack detected", "remote", req.RemoteAddress())
	}
	return attack
}
