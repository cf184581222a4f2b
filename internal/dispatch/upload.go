package dispatch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

// DefaultMaxUploadBytes bounds the multipart body accepted by
// UploadHandler when no limit is configured.
const DefaultMaxUploadBytes int64 = 75 << 20

// UploadHandler stores the files of a multipart/form-data POST or PUT
// in Dir and answers with their stored names, one per line.
type UploadHandler struct {
	*FileHandler
	Dir      string
	MaxBytes int64
}

func NewUploadHandler(root, context, dir string, maxBytes int64, opts ...FileOption) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &UploadHandler{FileHandler: NewFileHandler(root, context, opts...), Dir: dir, MaxBytes: maxBytes}
}

func UploadFactory(dir string, maxBytes int64, opts ...FileOption) Factory {
	return func(root, context string) Handler {
		return NewUploadHandler(root, context, dir, maxBytes, opts...)
	}
}

func (h *UploadHandler) Post(req *request.Request, res *response.Response) error {
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return err
	}
	files, err := req.Parts(h.Dir, h.MaxBytes)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return res.Error(response.StatusBadRequest, "No files uploaded")
	}

	var b strings.Builder
	for _, f := range files {
		b.WriteString(filepath.Base(f.Path))
		b.WriteByte('\n')
	}
	h.log.Info("files uploaded", "count", len(files), "user", userName(req), "remote", req.RemoteAddress())
	res.DisableCaching()
	return res.Text(response.StatusOK, b.String())
}

func (h *UploadHandler) Put(req *request.Request, res *response.Response) error {
	return h.Post(req, res)
}

func userName(req *request.Request) string {
	if u := req.User(); u != nil {
		return u.Username
	}
	return ""
}
