package dispatch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/Brownie44l1/webcore/internal/logging"
)

// ContentCache serves files unpacked from content archives into a
// cache directory. Files read from disk are kept in memory up to a
// byte budget.
type ContentCache struct {
	dir string
	mem *ristretto.Cache
	log logging.Logger
}

// NewContentCache creates dir when it is missing. maxBytes bounds the
// in-memory copy.
func NewContentCache(dir string, maxBytes int64, log logging.Logger) (*ContentCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create content cache: %w", err)
	}
	return &ContentCache{dir: dir, mem: mem, log: logging.OrNop(log)}, nil
}

func (c *ContentCache) Dir() string { return c.dir }

// Get returns the cached file at the slash-separated name.
func (c *ContentCache) Get(name string) ([]byte, bool) {
	name = strings.TrimPrefix(name, "/")
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return nil, false
	}
	if v, ok := c.mem.Get(name); ok {
		return v.([]byte), true
	}
	path := filepath.Join(c.dir, filepath.FromSlash(name))
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("unable to read cached file", "path", path, "error", err)
		return nil, false
	}
	c.mem.Set(name, data, int64(len(data)))
	return data, true
}

// Load unpacks a zip archive into the cache directory and returns the
// number of files written. Class files, META-INF entries and entries
// that would land outside the directory are skipped.
func (c *ContentCache) Load(archive string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	count := 0
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasSuffix(name, ".class") || strings.HasPrefix(name, "META-INF") {
			continue
		}
		local := filepath.FromSlash(name)
		if !filepath.IsLocal(local) {
			c.log.Warn("skipping archive entry outside cache", "entry", name)
			continue
		}
		if err := c.extract(f, filepath.Join(c.dir, local)); err != nil {
			return count, fmt.Errorf("extract %s: %w", name, err)
		}
		c.mem.Del(name)
		count++
	}
	c.log.Info("loaded content archive", "archive", archive, "files", count)
	return count, nil
}

func (c *ContentCache) extract(f *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Clear empties the cache directory and the in-memory copies.
func (c *ContentCache) Clear() error {
	c.mem.Clear()
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (c *ContentCache) Close() {
	c.mem.Close()
}
