package server

import (
	"bufio"
	"io"
	"sync"
)

const readBufferSize = 4096

var readerPool = sync.Pool{
	New: func() any { return bufio.NewReaderSize(nil, readBufferSize) },
}

func getReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

func putReader(br *bufio.Reader) {
	br.Reset(nil)
	readerPool.Put(br)
}
