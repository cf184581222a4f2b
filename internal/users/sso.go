package users

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Brownie44l1/webcore/internal/logging"
)

const (
	ssoStringPrefix  = "string="
	ssoBooleanPrefix = "boolean="
	ssoNamePrefix    = "userdetails.attribute.name="
	ssoValuePrefix   = "userdetails.attribute.value="

	defaultSSOTimeout = 10 * time.Second
)

// SSODirectory delegates authentication to an external single sign-on
// service. Users are built from the token's uid and role attributes;
// there is no local password check.
type SSODirectory struct {
	roleSet

	baseURL    string
	cookieName string
	client     *http.Client
	log        logging.Logger
}

type SSOOption func(*SSODirectory)

func WithHTTPClient(c *http.Client) SSOOption {
	return func(d *SSODirectory) { d.client = c }
}

// NewSSODirectory asks the service for its cookie name unless the
// configuration supplies one.
func NewSSODirectory(cfg SSOConfig, log logging.Logger, opts ...SSOOption) (*SSODirectory, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("sso: invalid url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSSOTimeout
	}
	d := &SSODirectory{
		baseURL:    strings.TrimRight(base.String(), "/"),
		cookieName: cfg.CookieName,
		client:     &http.Client{Timeout: cfg.Timeout},
		log:        logging.OrNop(log),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.cookieName == "" {
		body, err := d.get("/identity/getCookieNameForToken")
		if err != nil {
			return nil, fmt.Errorf("sso: fetch cookie name: %w", err)
		}
		name, ok := strings.CutPrefix(body, ssoStringPrefix)
		if !ok || name == "" {
			return nil, errors.New("sso: unable to obtain the cookie name")
		}
		d.cookieName = name
	}
	d.log.Info("sso cookie name", "name", d.cookieName)
	return d, nil
}

func (d *SSODirectory) SupportsSSO() bool     { return true }
func (d *SSODirectory) SSOCookieName() string { return d.cookieName }

func (d *SSODirectory) LoginURL(redirect string) string {
	return d.baseURL + "/UI/Login?goto=" + url.QueryEscape(redirect)
}

func (d *SSODirectory) LogoutURL(redirect string) string {
	return d.baseURL + "/UI/Logout?goto=" + url.QueryEscape(redirect)
}

// Authenticate always fails: credentials are checked by the SSO
// service, not here.
func (d *SSODirectory) Authenticate(string, string) *User { return nil }

// Lookup has no local table to consult.
func (d *SSODirectory) Lookup(string) *User { return nil }

func (d *SSODirectory) Usernames() []string { return nil }

func (d *SSODirectory) Roles() []string { return d.roleSet.names() }

// Validate checks the token carried in the SSO cookie and builds the
// user from its attributes.
func (d *SSODirectory) Validate(cookies CookieSource) *User {
	token := cookies.Cookie(d.cookieName)
	if token == "" {
		return nil
	}

	result, err := d.post("/identity/isTokenValid", url.Values{"tokenid": {token}})
	if err != nil {
		d.log.Warn("sso token validation failed", "error", err)
		return nil
	}
	valid := strings.EqualFold(strings.TrimPrefix(result, ssoBooleanPrefix), "true")
	d.log.Debug("validated sso token", "valid", valid)
	if !valid {
		return nil
	}

	attrs, err := d.post("/identity/attributes", url.Values{"subjectid": {token}})
	if err != nil {
		d.log.Warn("sso attribute lookup failed", "error", err)
		return nil
	}
	parsed := parseAttributes(attrs)
	uid := parsed["uid"]
	if len(uid) == 0 || uid[0] == "" {
		d.log.Debug("sso uid attribute is missing")
		return nil
	}
	return NewUser(uid[0], "", parsed["role"]...)
}

// parseAttributes reads name/value lines into a multi-valued map.
func parseAttributes(text string) map[string][]string {
	attrs := make(map[string][]string)
	var name string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, ssoNamePrefix); ok {
			name = v
			if _, seen := attrs[name]; !seen {
				attrs[name] = []string{}
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, ssoValuePrefix); ok && name != "" {
			attrs[name] = append(attrs[name], v)
		}
	}
	return attrs
}

func (d *SSODirectory) get(path string) (string, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	return d.do(req)
}

func (d *SSODirectory) post(path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, d.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.do(req)
}

func (d *SSODirectory) do(req *http.Request) (string, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
