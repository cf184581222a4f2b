package request

import (
	"strings"

	"github.com/Brownie44l1/webcore/internal/body"
	"github.com/Brownie44l1/webcore/internal/multipart"
)

// UploadedFile is a file part stored on disk by Parts.
type UploadedFile struct {
	FormName     string
	Path         string
	OriginalPath string
	ContentType  string
	Size         int64
}

// Parts decodes a multipart/form-data body. Field parts are added to
// the parameters; file parts are written into dir. A body that is not
// multipart, has no Content-Length or is larger than maxSize yields no
// files and no error.
func (r *Request) Parts(dir string, maxSize int64) ([]UploadedFile, error) {
	ct := r.ContentType()
	if !strings.Contains(strings.ToLower(ct), "multipart/form-data") {
		return nil, nil
	}
	length := r.ContentLength()
	if length == -1 || length > maxSize {
		r.log.Warn("unacceptable multipart length", "length", length, "max", maxSize, "remote", r.RemoteAddress())
		return nil, nil
	}
	if r.body != nil {
		r.log.Warn("multipart body already consumed")
		return nil, nil
	}
	src := body.NewLimitedReader(r.br, length)
	r.body = src

	parser, err := multipart.NewParser(src, ct, multipart.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	defer parser.Close()

	var files []UploadedFile
	for {
		part, err := parser.NextPart()
		if err != nil {
			return files, err
		}
		if part == nil {
			return files, nil
		}
		switch p := part.(type) {
		case *multipart.FieldPart:
			r.addParameter(p.Name, p.Value)
		case *multipart.FilePart:
			if !p.HasFile() {
				r.log.Warn("dropping file part without filename", "name", p.Name, "content_type", p.ContentType)
				continue
			}
			path, n, err := p.WriteToDir(dir, r.policy)
			if err != nil {
				return files, err
			}
			f := UploadedFile{
				FormName:     p.Name,
				Path:         path,
				OriginalPath: p.OriginalPath,
				ContentType:  p.ContentType,
				Size:         n,
			}
			files = append(files, f)
			r.log.Debug("stored upload", "name", f.FormName, "path", f.Path, "bytes", n)
			if r.onUpload != nil {
				r.onUpload(f)
			}
		}
	}
}
