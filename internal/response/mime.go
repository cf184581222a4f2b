package response

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ContentTypes maps file extensions to MIME types. It is safe for
// concurrent use.
type ContentTypes struct {
	mu    sync.RWMutex
	types map[string]string
}

var defaultTypes = NewContentTypes()

// NewContentTypes returns a table holding the built-in extensions.
func NewContentTypes() *ContentTypes {
	ct := &ContentTypes{types: make(map[string]string, len(builtinTypes))}
	for ext, mime := range builtinTypes {
		ct.types[ext] = mime
	}
	return ct
}

var builtinTypes = map[string]string{
	"application": "application/x-ms-application",
	"avi":         "video/x-msvideo",
	"css":         "text/css;charset=UTF-8",
	"csv":         "text/csv;charset=UTF-8",
	"dcm":         "application/dicom",
	"deploy":      "application/octet-stream",
	"docx":        "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"dotx":        "application/vnd.openxmlformats-officedocument.wordprocessingml.template",
	"gif":         "image/gif",
	"htm":         "text/html;charset=UTF-8",
	"html":        "text/html;charset=UTF-8",
	"jar":         "application/java-archive",
	"jpeg":        "image/jpeg",
	"jpg":         "image/jpeg",
	"js":          "text/javascript;charset=UTF-8",
	"json":        "application/json;charset=UTF-8",
	"manifest":    "application/x-ms-manifest",
	"md":          "application/unknown",
	"mp4":         "video/mp4",
	"mpeg":        "video/mpg",
	"mpg":         "video/mpg",
	"oga":         "audio/oga",
	"ogg":         "video/ogg",
	"ogv":         "video/ogg",
	"pdf":         "application/pdf",
	"png":         "image/png",
	"potx":        "application/vnd.openxmlformats-officedocument.presentationml.template",
	"ppsx":        "application/vnd.openxmlformats-officedocument.presentationml.slideshow",
	"pptx":        "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"svg":         "image/svg+xml",
	"swf":         "application/x-shockwave-flash",
	"txt":         "text/plain;charset=UTF-8",
	"wav":         "audio/wav",
	"xlsx":        "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xltx":        "application/vnd.openxmlformats-officedocument.spreadsheetml.template",
	"xml":         "text/xml;charset=UTF-8",
	"zip":         "application/zip",
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Lookup accepts the extension with or without its leading dot.
func (c *ContentTypes) Lookup(ext string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mime, ok := c.types[normalizeExt(ext)]
	return mime, ok
}

func (c *ContentTypes) Set(ext, mime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[normalizeExt(ext)] = mime
}

func (c *ContentTypes) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types)
}

// LoadOverrides merges a YAML mapping of extension to MIME type into
// the table. Entries in the file win over built-in ones.
func (c *ContentTypes) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse content types %s: %w", path, err)
	}
	for ext, mime := range overrides {
		if ext == "" || mime == "" {
			continue
		}
		c.Set(ext, mime)
	}
	return nil
}
