package multipart

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/webcore/internal/body"
)

type testPart struct {
	name        string
	filename    string // empty means a plain field
	contentType string
	content     []byte
}

func encode(boundary string, parts []testPart) []byte {
	var buf bytes.Buffer
	buf.WriteString("preamble that should be ignored\r\n")
	for _, p := range parts {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if p.filename != "" {
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"%s\"; filename=\"%s\"\r\n", p.name, p.filename)
		} else {
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"%s\"\r\n", p.name)
		}
		if p.contentType != "" {
			fmt.Fprintf(&buf, "Content-Type: %s\r\n", p.contentType)
		}
		buf.WriteString("\r\n")
		buf.Write(p.content)
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\nepilogue\r\n", boundary)
	return buf.Bytes()
}

func limited(b []byte) *body.LimitedReader {
	return body.NewLimitedReader(bytes.NewReader(b), int64(len(b)))
}

func collect(t *testing.T, p *Parser) []Part {
	t.Helper()
	var parts []Part
	for {
		part, err := p.NextPart()
		require.NoError(t, err)
		if part == nil {
			return parts
		}
		if fp, ok := part.(*FilePart); ok {
			data, err := io.ReadAll(fp)
			require.NoError(t, err)
			parts = append(parts, &FilePart{
				Name: fp.Name, FileName: fp.FileName, OriginalPath: fp.OriginalPath,
				ContentType: fp.ContentType, content: &partReader{pending: data, eof: true},
			})
			continue
		}
		parts = append(parts, part)
	}
}

func contentOf(t *testing.T, fp *FilePart) []byte {
	t.Helper()
	data, err := io.ReadAll(fp)
	require.NoError(t, err)
	return data
}

func TestRoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 2000) // longer than the line buffer
	binary := []byte{0x00, 0xff, '\r', '\n', '-', '-', 'x', '\r', 0x10, '\n'}

	in := []testPart{
		{name: "title", content: []byte("hello world")},
		{name: "doc", filename: "notes.txt", contentType: "text/plain", content: []byte("line one\r\nline two\r\n")},
		{name: "blob", filename: "data.bin", contentType: "application/octet-stream", content: binary},
		{name: "big", filename: "big.txt", contentType: "text/plain", content: big},
		{name: "tags", content: []byte("a")},
		{name: "tags", content: []byte("b")},
	}
	const boundary = "----WebKitFormBoundary7MA4YWxkTrZu0gW"
	raw := encode(boundary, in)

	p, err := NewParser(limited(raw), "multipart/form-data; boundary="+boundary)
	require.NoError(t, err)
	out := collect(t, p)
	require.Len(t, out, len(in))

	for i, want := range in {
		got := out[i]
		assert.Equal(t, want.name, got.FormName())
		if want.filename == "" {
			fp, ok := got.(*FieldPart)
			require.True(t, ok, "part %d should be a field", i)
			assert.Equal(t, string(want.content), fp.Value)
			continue
		}
		fp, ok := got.(*FilePart)
		require.True(t, ok, "part %d should be a file", i)
		assert.Equal(t, want.filename, fp.FileName)
		assert.Equal(t, want.contentType, fp.ContentType)
		assert.Equal(t, want.content, contentOf(t, fp))
	}
}

func TestBoundaryOnlyMatchesAtLineStart(t *testing.T) {
	content := "text --XyZ in the middle\r\nsecond line --XyZ--\r\n"
	raw := "--XyZ\r\n" +
		"Content-Disposition: form-data; name=\"f\"; filename=\"f.txt\"\r\n\r\n" +
		content + "\r\n--XyZ--\r\n"

	p, err := NewParser(limited([]byte(raw)), "multipart/form-data; boundary=XyZ")
	require.NoError(t, err)
	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, content, string(contentOf(t, part.(*FilePart))))

	part, err = p.NextPart()
	require.NoError(t, err)
	assert.Nil(t, part)
}

func TestExtractBoundary(t *testing.T) {
	tests := []struct {
		ct   string
		want string
	}{
		{"multipart/form-data; boundary=abc", "--abc"},
		{"multipart/form-data; BOUNDARY=abc", "--abc"},
		{`multipart/form-data; boundary="a b;c"`, "--a b;c"},
		{"multipart/form-data; boundary=abc; charset=utf-8", "--abc"},
		{"multipart/form-data; boundary=first; boundary=second", "--second"},
		{"multipart/form-data", ""},
		{"multipart/form-data; boundary=", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractBoundary(tt.ct), tt.ct)
	}
}

func TestMissingBoundary(t *testing.T) {
	_, err := NewParser(strings.NewReader(""), "multipart/form-data")
	assert.ErrorIs(t, err, ErrMissingBoundary)
}

func TestPrematureEndInPreamble(t *testing.T) {
	_, err := NewParser(strings.NewReader("just a preamble\r\n"), "multipart/form-data; boundary=zz")
	assert.ErrorIs(t, err, ErrPrematureEnd)
}

func TestEmptyForm(t *testing.T) {
	p, err := NewParser(strings.NewReader("--zz--\r\n"), "multipart/form-data; boundary=zz")
	require.NoError(t, err)
	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Nil(t, part)
}

func TestHeaderContinuationAndUnquotedName(t *testing.T) {
	raw := "--zz\r\n" +
		"Content-Disposition: form-data;\r\n" +
		"\tname=field1\r\n" +
		"\r\n" +
		"value\r\n" +
		"--zz--\r\n"
	p, err := NewParser(strings.NewReader(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	require.NotNil(t, part)
	assert.Equal(t, "field1", part.FormName())
	assert.Equal(t, "value", part.(*FieldPart).Value)
}

func TestFieldValueLinesJoined(t *testing.T) {
	raw := encode("zz", []testPart{{name: "text", content: []byte("one\r\ntwo\r\nthree")}})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", part.(*FieldPart).Value)
}

func TestFilenamePathStripped(t *testing.T) {
	raw := encode("zz", []testPart{
		{name: "a", filename: `C:\Users\me\report.pdf`, contentType: "application/pdf", content: []byte("%PDF")},
		{name: "b", filename: "/home/me/photo.PNG", contentType: "IMAGE/PNG; name=x", content: []byte("png")},
	})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	fp := part.(*FilePart)
	assert.Equal(t, "report.pdf", fp.FileName)
	assert.Equal(t, `C:\Users\me\report.pdf`, fp.OriginalPath)

	part, err = p.NextPart()
	require.NoError(t, err)
	fp = part.(*FilePart)
	assert.Equal(t, "photo.PNG", fp.FileName)
	assert.Equal(t, "image/png", fp.ContentType)
}

func TestEmptyFilenameMeansNoFile(t *testing.T) {
	raw := "--zz\r\n" +
		"Content-Disposition: form-data; name=\"upload\"; filename=\"\"\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"\r\n--zz--\r\n"
	p, err := NewParser(strings.NewReader(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	fp, ok := part.(*FilePart)
	require.True(t, ok)
	assert.False(t, fp.HasFile())
	assert.Equal(t, "upload", fp.Name)
}

func TestDefaultContentType(t *testing.T) {
	raw := encode("zz", []testPart{{name: "f", filename: "x", content: []byte("1")}})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)
	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", part.(*FilePart).ContentType)
}

func TestDicomWithoutDisposition(t *testing.T) {
	raw := "--zz\r\n" +
		"Content-Type: application/dicom\r\n\r\n" +
		"DICM-bytes\r\n--zz--\r\n"
	p, err := NewParser(strings.NewReader(raw), "multipart/related; type=application/dicom; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	fp, ok := part.(*FilePart)
	require.True(t, ok)
	assert.Equal(t, "stowrs", fp.Name)
	assert.Equal(t, "stowrs.dcm", fp.FileName)
	assert.Equal(t, "application/octet-stream", fp.ContentType)
	assert.Equal(t, "DICM-bytes", string(contentOf(t, fp)))
}

func TestDicomWithNameStaysDicom(t *testing.T) {
	raw := "--zz\r\n" +
		"Content-Disposition: form-data; name=\"study\"\r\n" +
		"Content-Type: application/dicom\r\n\r\n" +
		"DICM\r\n--zz--\r\n"
	p, err := NewParser(strings.NewReader(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	fp, ok := part.(*FilePart)
	require.True(t, ok)
	assert.Equal(t, "study", fp.Name)
	assert.Equal(t, "application/dicom", fp.ContentType)
	assert.False(t, fp.HasFile())
}

func TestCorruptDisposition(t *testing.T) {
	cases := map[string]error{
		"Content-Disposition: form-data; filename=\"a.txt\"": ErrCorruptDisposition,
		"Content-Disposition: form-data":                      ErrCorruptDisposition,
		"Content-Disposition: inline; name=\"a\"":             ErrInvalidDisposition,
	}
	for header, want := range cases {
		raw := "--zz\r\n" + header + "\r\n\r\nx\r\n--zz--\r\n"
		p, err := NewParser(strings.NewReader(raw), "multipart/form-data; boundary=zz")
		require.NoError(t, err)
		_, err = p.NextPart()
		assert.ErrorIs(t, err, want, header)
	}
}

func TestNextPartClosesUnreadFile(t *testing.T) {
	raw := encode("zz", []testPart{
		{name: "first", filename: "a.bin", content: bytes.Repeat([]byte("A"), 50000)},
		{name: "second", content: []byte("after")},
	})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	first, err := p.NextPart()
	require.NoError(t, err)
	fp := first.(*FilePart)
	buf := make([]byte, 10)
	_, err = fp.Read(buf)
	require.NoError(t, err)

	second, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "after", second.(*FieldPart).Value)

	_, err = fp.Read(buf)
	assert.ErrorIs(t, err, ErrPartClosed)
}

func TestTruncatedBodyEndsParts(t *testing.T) {
	raw := encode("zz", []testPart{{name: "f", filename: "a.txt", content: []byte("0123456789")}})
	cut := bytes.Index(raw, []byte("56789"))
	p, err := NewParser(limited(raw[:cut]), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "01234", string(contentOf(t, part.(*FilePart))))

	part, err = p.NextPart()
	require.NoError(t, err)
	assert.Nil(t, part)
}

func TestPlainReaderSource(t *testing.T) {
	raw := encode("zz", []testPart{{name: "k", content: []byte("v")}})
	p, err := NewParser(bytes.NewReader(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)
	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "v", part.(*FieldPart).Value)
	require.NoError(t, p.Close())

	part, err = p.NextPart()
	require.NoError(t, err)
	assert.Nil(t, part)
}

func TestWithEncoding(t *testing.T) {
	raw := encode("zz", []testPart{{name: "name", content: []byte{'J', 0xfc, 'r', 'g'}}})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz", WithEncoding("iso-8859-1"))
	require.NoError(t, err)
	part, err := p.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "Jürg", part.(*FieldPart).Value)

	for _, name := range []string{"utf-8", "UTF8", "latin1", "ISO_8859-1"} {
		_, err = NewParser(limited(raw), "multipart/form-data; boundary=zz", WithEncoding(name))
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"no-such-charset", "shift_jis", "utf-16le", "koi8-r"} {
		_, err = NewParser(limited(raw), "multipart/form-data; boundary=zz", WithEncoding(name))
		assert.ErrorIs(t, err, ErrUnsupportedEncoding, name)
	}
}

func TestWriteToDirAndRenamePolicy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.dcm"), []byte("existing"), 0o644))

	raw := encode("zz", []testPart{
		{name: "f1", filename: "scan.dcm", content: []byte("one")},
		{name: "f2", filename: "scan.dcm", content: []byte("two")},
	})
	p, err := NewParser(limited(raw), "multipart/form-data; boundary=zz")
	require.NoError(t, err)

	var paths []string
	for {
		part, err := p.NextPart()
		require.NoError(t, err)
		if part == nil {
			break
		}
		path, n, err := part.(*FilePart).WriteToDir(dir, DefaultRenamePolicy{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		paths = append(paths, path)
	}

	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "scan1.dcm"), paths[0])
	assert.Equal(t, filepath.Join(dir, "scan2.dcm"), paths[1])

	data, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "scan.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))
}

func TestRenamePolicyRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path, err := DefaultRenamePolicy{}.Rename(dir, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), path)
}
