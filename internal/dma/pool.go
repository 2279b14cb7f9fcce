package dma

import "sync"

// Internal buffers (config tables, mode pages, notification records, sense
// data) come from size-bucketed pools (4KB, 16KB, 64KB). Larger requests
// are allocated directly and dropped on Put.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
)

var globalPool = struct {
	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// GetBuffer returns a zeroed buffer of exactly size bytes.
// Caller must call PutBuffer when done.
func GetBuffer(size int) []byte {
	var buf []byte
	switch {
	case size <= size4k:
		buf = (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		buf = (*globalPool.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		buf = (*globalPool.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
	clear(buf)
	return buf
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		globalPool.pool4k.Put(&buf)
	case size16k:
		globalPool.pool16k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
