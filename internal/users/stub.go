package users

import "github.com/Brownie44l1/webcore/internal/logging"

// StubDirectory accepts any password for a user present in the users
// file. It exists for test deployments.
type StubDirectory struct {
	*FileDirectory
}

func NewStubDirectory(usersFile string, log logging.Logger) (*StubDirectory, error) {
	fd, err := NewFileDirectory(usersFile, log)
	if err != nil {
		return nil, err
	}
	return &StubDirectory{FileDirectory: fd}, nil
}

func (d *StubDirectory) Authenticate(username, _ string) *User {
	return d.Lookup(username)
}
