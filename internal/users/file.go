package users

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/webcore/internal/logging"
)

const DefaultUsersFile = "users.yaml"

type fileUser struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles,omitempty"`
}

type usersFile struct {
	Users []fileUser `yaml:"users"`
}

// FileDirectory keeps its accounts in a YAML file. The file is created
// with two administrators when it does not exist. Every change is
// written back immediately.
type FileDirectory struct {
	noSSO
	roleSet

	mu    sync.RWMutex
	path  string
	users map[string]*User
	log   logging.Logger
}

func NewFileDirectory(path string, log logging.Logger) (*FileDirectory, error) {
	if path == "" {
		path = DefaultUsersFile
	}
	d := &FileDirectory{
		path:  path,
		users: make(map[string]*User),
		log:   logging.OrNop(log),
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		d.users["king"] = NewUser("king", "password", RoleAdmin, RoleShutdown)
		d.users["admin"] = NewUser("admin", "password", RoleAdmin)
		if err := d.save(); err != nil {
			return nil, err
		}
		d.log.Info("created users file", "path", path)
		return d, nil
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload replaces the in-memory table with the file contents.
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse users file %s: %w", d.path, err)
	}
	users := make(map[string]*User, len(f.Users))
	for _, fu := range f.Users {
		if fu.Username == "" {
			continue
		}
		users[fu.Username] = NewUser(fu.Username, fu.Password, fu.Roles...)
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	d.log.Debug("loaded users file", "path", d.path, "users", len(users))
	return nil
}

func (d *FileDirectory) Path() string { return d.path }

func (d *FileDirectory) Lookup(username string) *User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[username]
}

func (d *FileDirectory) Authenticate(username, password string) *User {
	u := d.Lookup(username)
	if u != nil && u.Compare(password) {
		return u
	}
	return nil
}

func (d *FileDirectory) Usernames() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Roles returns every role registered with the directory or held by
// one of its users.
func (d *FileDirectory) Roles() []string {
	d.mu.RLock()
	held := make([]string, 0, len(d.users))
	for _, u := range d.users {
		held = append(held, u.RoleNames()...)
	}
	d.mu.RUnlock()
	return d.roleSet.names(held)
}

// AddUser adds or replaces a user and persists the table.
func (d *FileDirectory) AddUser(u *User) error {
	d.mu.Lock()
	d.users[u.Username] = u
	d.mu.Unlock()
	return d.Save()
}

// SetPassword hashes and stores a new password for an existing user.
func (d *FileDirectory) SetPassword(username, password string) error {
	u := d.Lookup(username)
	if u == nil {
		return fmt.Errorf("user %q not found", username)
	}
	if err := u.SetPassword(password); err != nil {
		return err
	}
	return d.Save()
}

// Reset replaces every user and persists the table.
func (d *FileDirectory) Reset(list []*User) error {
	users := make(map[string]*User, len(list))
	for _, u := range list {
		users[u.Username] = u
	}
	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	return d.Save()
}

func (d *FileDirectory) Save() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.save()
}

// save writes the table through a temporary file so a crash never
// leaves a truncated users file. Callers hold d.mu.
func (d *FileDirectory) save() error {
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	sort.Strings(names)

	var f usersFile
	for _, name := range names {
		u := d.users[name]
		f.Users = append(f.Users, fileUser{
			Username: u.Username,
			Password: u.Password(),
			Roles:    u.RoleNames(),
		})
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}

	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, ".users-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.path)
}
