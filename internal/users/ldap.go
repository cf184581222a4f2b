package users

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-ldap/ldap/v3"

	"github.com/Brownie44l1/webcore/internal/logging"
)

const (
	bindCacheTTL       = 30 * time.Second
	defaultLDAPTimeout = 10 * time.Second
)

// Binder performs an LDAP simple bind.
type Binder interface {
	Bind(principal, password string) error
}

type ldapBinder struct {
	url      string
	startTLS bool
	timeout  time.Duration
}

func (b ldapBinder) Bind(principal, password string) error {
	conn, err := ldap.DialURL(b.url, ldap.DialWithDialer(&net.Dialer{Timeout: b.timeout}))
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetTimeout(b.timeout)

	if b.startTLS {
		host := b.url
		if u, err := url.Parse(b.url); err == nil {
			host = u.Hostname()
		}
		if err := conn.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	return conn.Bind(principal, password)
}

// LDAPDirectory checks passwords with an LDAP bind while roles come
// from the local users file. Only users present in the file can log in.
type LDAPDirectory struct {
	*FileDirectory

	principal string
	binder    Binder
	cache     *ristretto.Cache
}

type LDAPOption func(*LDAPDirectory)

// WithBinder replaces the network binder.
func WithBinder(b Binder) LDAPOption {
	return func(d *LDAPDirectory) { d.binder = b }
}

func NewLDAPDirectory(usersFile string, cfg LDAPConfig, log logging.Logger, opts ...LDAPOption) (*LDAPDirectory, error) {
	if cfg.Admin == "" {
		return nil, errors.New("ldap: admin user is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLDAPTimeout
	}
	fd, err := NewFileDirectory(usersFile, log)
	if err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	d := &LDAPDirectory{
		FileDirectory: fd,
		principal:     cfg.Principal,
		binder:        ldapBinder{url: cfg.URL, startTLS: cfg.StartTLS, timeout: cfg.Timeout},
		cache:         cache,
	}
	for _, opt := range opts {
		opt(d)
	}

	// There must be an administrator known to LDAP.
	admin := fd.Lookup(cfg.Admin)
	if admin == nil {
		admin = NewUser(cfg.Admin, "")
		fd.log.Info("ldap admin user created", "username", cfg.Admin)
	}
	admin.AddRole(RoleAdmin)
	if err := fd.AddUser(admin); err != nil {
		return nil, err
	}
	return d, nil
}

// Authenticate binds as the principal built from username. Successful
// binds are remembered for a short time.
func (d *LDAPDirectory) Authenticate(username, password string) *User {
	u := d.Lookup(username)
	if u == nil || password == "" {
		return nil
	}

	key := bindKey(username, password)
	if _, ok := d.cache.Get(key); ok {
		return u
	}

	principal := strings.ReplaceAll(d.principal, "{username}", ldap.EscapeDN(username))
	if err := d.binder.Bind(principal, password); err != nil {
		d.log.Debug("ldap bind failed", "username", username, "error", err)
		return nil
	}
	d.cache.SetWithTTL(key, true, 1, bindCacheTTL)
	d.cache.Wait()
	return u
}

// Close releases the bind cache.
func (d *LDAPDirectory) Close() {
	d.cache.Close()
}

func bindKey(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}
