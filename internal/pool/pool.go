// Package pool holds scratch objects reused on hot encode paths.
package pool

import (
	"bytes"
	"sync"
)

// maxPooledBuffer keeps one oversized payload from pinning its memory.
const maxPooledBuffer = 64 << 10

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a buffer to the pool. The caller must not use it, or any
// slice taken from it, afterwards.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}
