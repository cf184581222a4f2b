// Package users resolves credentials and SSO tokens to accounts. A
// Directory is chosen by name from a Registry at startup.
package users

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Brownie44l1/webcore/internal/logging"
)

var ErrUnknownProvider = errors.New("unknown users provider")

// CookieSource gives SSO providers access to request cookies.
type CookieSource interface {
	Cookie(name string) string
}

// Directory is the capability set every users provider offers. A
// provider without SSO returns nil from Validate, false from
// SupportsSSO and empty strings from the SSO accessors.
type Directory interface {
	Authenticate(username, password string) *User
	Validate(cookies CookieSource) *User
	SupportsSSO() bool
	SSOCookieName() string
	LoginURL(redirect string) string
	LogoutURL(redirect string) string

	Lookup(username string) *User
	Usernames() []string
	AddRole(role string)
	Roles() []string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string     `yaml:"provider"`
	File     string     `yaml:"file"`
	LDAP     LDAPConfig `yaml:"ldap"`
	SSO      SSOConfig  `yaml:"sso"`
}

type LDAPConfig struct {
	URL string `yaml:"url"`
	// Principal is the bind DN template; {username} is replaced.
	Principal string        `yaml:"principal"`
	Admin     string        `yaml:"admin"`
	StartTLS  bool          `yaml:"start_tls"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SSOConfig struct {
	URL        string        `yaml:"url"`
	CookieName string        `yaml:"cookie_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Factory builds a provider.
type Factory func(cfg Config, log logging.Logger) (Directory, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in providers: file,
// ldap, sso and stub.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("file", func(cfg Config, log logging.Logger) (Directory, error) {
		return NewFileDirectory(cfg.File, log)
	})
	r.Register("ldap", func(cfg Config, log logging.Logger) (Directory, error) {
		return NewLDAPDirectory(cfg.File, cfg.LDAP, log)
	})
	r.Register("sso", func(cfg Config, log logging.Logger) (Directory, error) {
		return NewSSODirectory(cfg.SSO, log)
	})
	r.Register("stub", func(cfg Config, log logging.Logger) (Directory, error) {
		return NewStubDirectory(cfg.File, log)
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered provider names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the named provider and registers the admin and shutdown
// roles with it.
func (r *Registry) Open(name string, cfg Config, log logging.Logger) (Directory, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	dir, err := f(cfg, logging.OrNop(log))
	if err != nil {
		return nil, fmt.Errorf("open users provider %s: %w", name, err)
	}
	dir.AddRole(RoleAdmin)
	dir.AddRole(RoleShutdown)
	return dir, nil
}

// roleSet is the list of roles a provider knows about.
type roleSet struct {
	mu    sync.RWMutex
	roles map[string]struct{}
}

func (s *roleSet) AddRole(role string) {
	if role == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles == nil {
		s.roles = make(map[string]struct{})
	}
	s.roles[role] = struct{}{}
}

func (s *roleSet) names(extra ...[]string) []string {
	s.mu.RLock()
	seen := make(map[string]struct{}, len(s.roles))
	for r := range s.roles {
		seen[r] = struct{}{}
	}
	s.mu.RUnlock()
	for _, list := range extra {
		for _, r := range list {
			seen[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// noSSO supplies the SSO half of Directory for local providers.
type noSSO struct{}

func (noSSO) Validate(CookieSource) *User { return nil }
func (noSSO) SupportsSSO() bool           { return false }
func (noSSO) SSOCookieName() string       { return "" }
func (noSSO) LoginURL(string) string      { return "" }
func (noSSO) LogoutURL(string) string     { return "" }
