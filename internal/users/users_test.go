package users

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/webcore/internal/logging"
)

type cookies map[string]string

func (c cookies) Cookie(name string) string { return c[name] }

func TestUserRolesAndPassword(t *testing.T) {
	u := NewUser("alice", "secret", "admin", "admin", " ")
	assert.Equal(t, []string{"admin"}, u.RoleNames())
	assert.True(t, u.AddRole("export"))
	assert.False(t, u.AddRole("export"))
	assert.True(t, u.HasRole("export"))
	assert.True(t, u.RemoveRole("export"))
	assert.False(t, u.HasRole("export"))

	assert.True(t, u.Compare("secret"))
	assert.False(t, u.Compare("wrong"))
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", u.BasicAuthorization())

	require.NoError(t, u.SetPassword("better"))
	assert.True(t, strings.HasPrefix(u.Password(), "$2"))
	assert.True(t, u.Compare("better"))
	assert.False(t, u.Compare("secret"))

	assert.False(t, NewUser("nobody", "").Compare(""))
}

func TestFileDirectoryCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	d, err := NewFileDirectory(path, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"admin", "king"}, d.Usernames())
	king := d.Authenticate("king", "password")
	require.NotNil(t, king)
	assert.True(t, king.HasRole(RoleShutdown))
	assert.False(t, d.Lookup("admin").HasRole(RoleShutdown))
	assert.Nil(t, d.Authenticate("king", "nope"))
	assert.Nil(t, d.Authenticate("ghost", "password"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "username: king")
}

func TestFileDirectoryPersistsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	d, err := NewFileDirectory(path, nil)
	require.NoError(t, err)

	alice := NewUser("alice", "", "reader")
	require.NoError(t, alice.SetPassword("secret"))
	require.NoError(t, d.AddUser(alice))
	require.NoError(t, d.SetPassword("king", "crown"))
	assert.Error(t, d.SetPassword("ghost", "x"))

	reopened, err := NewFileDirectory(path, nil)
	require.NoError(t, err)
	assert.NotNil(t, reopened.Authenticate("alice", "secret"))
	assert.NotNil(t, reopened.Authenticate("king", "crown"))
	assert.Nil(t, reopened.Authenticate("king", "password"))

	reopened.AddRole("import")
	assert.Equal(t, []string{"admin", "import", "reader", "shutdown"}, reopened.Roles())

	require.NoError(t, reopened.Reset([]*User{NewUser("solo", "pw")}))
	again, err := NewFileDirectory(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, again.Usernames())
}

func TestFileDirectoryBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [unclosed"), 0o600))
	_, err := NewFileDirectory(path, nil)
	assert.Error(t, err)
}

func TestFileDirectoryHasNoSSO(t *testing.T) {
	d, err := NewFileDirectory(filepath.Join(t.TempDir(), "users.yaml"), nil)
	require.NoError(t, err)
	assert.False(t, d.SupportsSSO())
	assert.Empty(t, d.SSOCookieName())
	assert.Empty(t, d.LoginURL("/x"))
	assert.Nil(t, d.Validate(cookies{"any": "thing"}))
}

type fakeBinder struct {
	mu     sync.Mutex
	calls  []string
	accept string
}

func (f *fakeBinder) Bind(principal, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, principal)
	if password != f.accept {
		return errors.New("invalid credentials")
	}
	return nil
}

func TestLDAPDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	binder := &fakeBinder{accept: "ldap-secret"}
	d, err := NewLDAPDirectory(path, LDAPConfig{
		URL:       "ldap://localhost:389",
		Principal: "uid={username},ou=people,dc=example,dc=org",
		Admin:     "root",
	}, logging.Nop{}, WithBinder(binder))
	require.NoError(t, err)
	defer d.Close()

	root := d.Lookup("root")
	require.NotNil(t, root)
	assert.True(t, root.HasRole(RoleAdmin))

	assert.Nil(t, d.Authenticate("ghost", "ldap-secret"))
	assert.Nil(t, d.Authenticate("root", ""))
	assert.Empty(t, binder.calls)

	assert.Nil(t, d.Authenticate("root", "wrong"))
	assert.NotNil(t, d.Authenticate("root", "ldap-secret"))
	assert.NotNil(t, d.Authenticate("root", "ldap-secret"))

	assert.Equal(t, []string{
		"uid=root,ou=people,dc=example,dc=org",
		"uid=root,ou=people,dc=example,dc=org",
	}, binder.calls)
}

func TestLDAPDirectoryRequiresAdmin(t *testing.T) {
	_, err := NewLDAPDirectory(filepath.Join(t.TempDir(), "users.yaml"), LDAPConfig{URL: "ldap://x"}, nil)
	assert.Error(t, err)
}

func newSSOServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/openam/identity/getCookieNameForToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("string=iPlanetDirectoryPro\n"))
	})
	mux.HandleFunc("/openam/identity/isTokenValid", func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("tokenid") == "good" {
			w.Write([]byte("boolean=true"))
			return
		}
		w.Write([]byte("boolean=false"))
	})
	mux.HandleFunc("/openam/identity/attributes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Join([]string{
			"userdetails.token.id=good",
			"userdetails.attribute.name=uid",
			"userdetails.attribute.value=carol",
			"userdetails.attribute.name=role",
			"userdetails.attribute.value=reader",
			"userdetails.attribute.value=export",
		}, "\n")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSSODirectory(t *testing.T) {
	srv := newSSOServer(t)
	d, err := NewSSODirectory(SSOConfig{URL: srv.URL + "/openam"}, nil)
	require.NoError(t, err)

	assert.True(t, d.SupportsSSO())
	assert.Equal(t, "iPlanetDirectoryPro", d.SSOCookieName())
	assert.Equal(t, srv.URL+"/openam/UI/Login?goto=%2Fhome", d.LoginURL("/home"))

	u := d.Validate(cookies{"iPlanetDirectoryPro": "good"})
	require.NotNil(t, u)
	assert.Equal(t, "carol", u.Username)
	assert.Equal(t, []string{"export", "reader"}, u.RoleNames())

	assert.Nil(t, d.Validate(cookies{"iPlanetDirectoryPro": "bad"}))
	assert.Nil(t, d.Validate(cookies{}))
	assert.Nil(t, d.Authenticate("carol", "x"))
}

func TestSSODirectoryInvalidURL(t *testing.T) {
	_, err := NewSSODirectory(SSOConfig{URL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestStubDirectoryIgnoresPassword(t *testing.T) {
	d, err := NewStubDirectory(filepath.Join(t.TempDir(), "users.yaml"), nil)
	require.NoError(t, err)
	assert.NotNil(t, d.Authenticate("admin", "anything"))
	assert.Nil(t, d.Authenticate("ghost", "anything"))
}

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"file", "ldap", "sso", "stub"}, r.Names())

	dir, err := r.Open("file", Config{File: filepath.Join(t.TempDir(), "users.yaml")}, nil)
	require.NoError(t, err)
	assert.Contains(t, dir.Roles(), RoleAdmin)
	assert.Contains(t, dir.Roles(), RoleShutdown)

	_, err = r.Open("kerberos", Config{}, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	r.Register("broken", func(Config, logging.Logger) (Directory, error) {
		return nil, errors.New("boom")
	})
	_, err = r.Open("broken", Config{}, nil)
	assert.ErrorContains(t, err, "boom")
}
