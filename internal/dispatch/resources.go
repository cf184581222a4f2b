package dispatch

import (
	"embed"
	"io/fs"
)

//go:embed resources
var embedded embed.FS

// Resources returns the built-in pages, such as the login page.
func Resources() fs.FS {
	sub, err := fs.Sub(embedded, "resources")
	if err != nil {
		panic(err)
	}
	return sub
}
