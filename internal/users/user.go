package users

import (
	"crypto/subtle"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Reserved roles
const (
	RoleAdmin    = "admin"
	RoleShutdown = "shutdown"
)

// User is an account known to a Directory. The username never changes;
// the password and roles may be updated concurrently with lookups.
type User struct {
	Username string

	mu       sync.RWMutex
	password string
	roles    map[string]struct{}
}

func NewUser(username, password string, roles ...string) *User {
	u := &User{
		Username: username,
		password: password,
		roles:    make(map[string]struct{}, len(roles)),
	}
	for _, r := range roles {
		u.AddRole(r)
	}
	return u
}

// Password returns the stored representation, which is either a bcrypt
// hash or plain text.
func (u *User) Password() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.password
}

// SetPassword stores a bcrypt hash of password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.setStored(string(hash))
	return nil
}

func (u *User) setStored(stored string) {
	u.mu.Lock()
	u.password = stored
	u.mu.Unlock()
}

// Compare reports whether password matches the stored one. An empty
// stored password never matches.
func (u *User) Compare(password string) bool {
	stored := u.Password()
	if stored == "" {
		return false
	}
	if isHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

func isHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// BasicAuthorization builds an Authorization header value from the
// stored password. It is only useful for plain text passwords.
func (u *User) BasicAuthorization() string {
	creds := u.Username + ":" + u.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// AddRole reports whether the role was new.
func (u *User) AddRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.roles[role]; ok {
		return false
	}
	u.roles[role] = struct{}{}
	return true
}

func (u *User) RemoveRole(role string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.roles[role]; !ok {
		return false
	}
	delete(u.roles, role)
	return true
}

func (u *User) HasRole(role string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.roles[role]
	return ok
}

// RoleNames returns the roles sorted by name.
func (u *User) RoleNames() []string {
	u.mu.RLock()
	names := make([]string, 0, len(u.roles))
	for r := range u.roles {
		names = append(names, r)
	}
	u.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (u *User) String() string {
	return u.Username
}
