package multipart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoFreeName = errors.New("no free file name")

const maxRenameAttempts = 10000

// RenamePolicy reserves a file in dir for an upload called name and
// returns its path. The file must exist when Rename returns so that
// concurrent uploads of the same name cannot collide.
type RenamePolicy interface {
	Rename(dir, name string) (string, error)
}

// DefaultRenamePolicy keeps the name when it is free and otherwise
// inserts a counter before the extension: a.txt, a1.txt, a2.txt, ...
type DefaultRenamePolicy struct{}

func (DefaultRenamePolicy) Rename(dir, name string) (string, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "upload"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; i <= maxRenameAttempts; i++ {
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		candidate = fmt.Sprintf("%s%d%s", stem, i, ext)
	}
	return "", fmt.Errorf("%w for %s in %s", ErrNoFreeName, name, dir)
}
