package dispatch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

// Handler serves the requests routed to one context. Every method must
// send the response before it returns nil; a returned error becomes a
// 500 page when nothing was sent yet.
type Handler interface {
	Get(req *request.Request, res *response.Response) error
	Post(req *request.Request, res *response.Response) error
	Put(req *request.Request, res *response.Response) error
	Delete(req *request.Request, res *response.Response) error
	Options(req *request.Request, res *response.Response) error
	// Destroy releases whatever the handler type holds. It is called on
	// one instance of each registered type at shutdown.
	Destroy() error
}

// Factory builds a handler for a request. root is the static content
// directory and context the first path element it was registered on.
type Factory func(root, context string) Handler

// AllowedMethods is the Allow header answered to OPTIONS.
const AllowedMethods = "GET, POST, PUT, DELETE, OPTIONS"

type FileOption func(*FileHandler)

// WithCache adds a content cache consulted for files missing from root.
func WithCache(c *ContentCache) FileOption {
	return func(h *FileHandler) { h.cache = c }
}

// WithResources adds built-in files consulted after the cache.
func WithResources(fsys fs.FS) FileOption {
	return func(h *FileHandler) { h.resources = fsys }
}

func WithFileLogger(l logging.Logger) FileOption {
	return func(h *FileHandler) { h.log = logging.OrNop(l) }
}

// FileHandler serves files below Root. Other handlers embed it for the
// methods they do not override.
type FileHandler struct {
	Root    string
	Context string

	cache     *ContentCache
	resources fs.FS
	log       logging.Logger
}

func NewFileHandler(root, context string, opts ...FileOption) *FileHandler {
	h := &FileHandler{Root: root, Context: context, log: logging.Nop{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FileFactory builds plain FileHandlers sharing opts.
func FileFactory(opts ...FileOption) Factory {
	return func(root, context string) Handler {
		return NewFileHandler(root, context, opts...)
	}
}

// RequestedFile maps the request path into Root. A directory maps to
// its index.html, or index.htm when that is missing. The FileInfo is
// nil when no regular file exists at the returned path.
func (h *FileHandler) RequestedFile(req *request.Request) (string, fs.FileInfo) {
	path := filepath.Join(h.Root, filepath.FromSlash(strings.TrimPrefix(req.Path.String(), "/")))
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		dir := path
		path = filepath.Join(dir, "index.html")
		if info, err = os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = filepath.Join(dir, "index.htm")
			info, err = os.Stat(path)
		}
	}
	if err != nil || !info.Mode().IsRegular() {
		return path, nil
	}
	return path, info
}

// Get serves the requested file. A client copy no older than the file
// gets 304. Missing files are looked up in the cache and then in the
// built-in resources.
func (h *FileHandler) Get(req *request.Request, res *response.Response) error {
	path, info := h.RequestedFile(req)
	ct := res.SetContentTypeForFile(path)
	if ct == "" || strings.HasPrefix(ct, "application/") {
		res.DisableCaching()
	}

	if info != nil {
		modified := info.ModTime()
		since := req.ConditionalTime()
		if !since.IsZero() && !modified.Truncate(time.Second).After(since) {
			res.SetStatus(response.StatusNotModified)
			res.SetETag(modified.UnixMilli())
			return res.Send()
		}
		if err := res.WriteFile(path); err != nil {
			return err
		}
		res.SetLastModified(modified)
		res.SetETag(modified.UnixMilli())
		return res.Send()
	}

	name := strings.TrimPrefix(req.Path.String(), "/")
	if data, ok := h.fallback(name); ok {
		if err := res.WriteBytes(data); err != nil {
			return err
		}
		return res.Send()
	}
	h.log.Debug("file not found", "path", req.Path.String(), "remote", req.RemoteAddress())
	res.SetStatus(response.StatusNotFound)
	return res.Send()
}

func (h *FileHandler) fallback(name string) ([]byte, bool) {
	if name == "" {
		return nil, false
	}
	if h.cache != nil {
		if data, ok := h.cache.Get(name); ok {
			return data, true
		}
	}
	if h.resources != nil {
		if data, err := fs.ReadFile(h.resources, name); err == nil {
			return data, true
		}
	}
	return nil, false
}

// Post answers 404.
func (h *FileHandler) Post(req *request.Request, res *response.Response) error {
	return h.notFound(res)
}

func (h *FileHandler) Put(req *request.Request, res *response.Response) error {
	return h.notFound(res)
}

func (h *FileHandler) Delete(req *request.Request, res *response.Response) error {
	return h.notFound(res)
}

func (h *FileHandler) notFound(res *response.Response) error {
	res.DisableCaching()
	res.SetStatus(response.StatusNotFound)
	return res.Send()
}

func (h *FileHandler) Options(req *request.Request, res *response.Response) error {
	res.SetHeader("Allow", AllowedMethods)
	res.SetStatus(response.StatusOK)
	return res.Send()
}

func (h *FileHandler) Destroy() error { return nil }

// Resource reads a named page from Root, falling back to the built-in
// resources.
func (h *FileHandler) Resource(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(h.Root, filepath.FromSlash(name)))
	if err == nil {
		return data, nil
	}
	if h.resources == nil {
		return nil, err
	}
	return fs.ReadFile(h.resources, name)
}
