// Package backend provides media for simulated disks
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/go-ioa/internal/interfaces"
)

// Memory is RAM-backed disk media
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64

	reads   atomic.Uint64
	writes  atomic.Uint64
	flushes atomic.Uint64
}

// NewMemory creates media of size bytes
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ParseMemory creates media from a human readable size such as "64MiB"
func ParseMemory(size string) (*Memory, error) {
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return nil, fmt.Errorf("backend: bad size %q: %w", size, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("backend: size must be positive")
	}
	return NewMemory(int64(n)), nil
}

// ReadAt reads from the media. A read that crosses the end is truncated.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, fmt.Errorf("backend: media closed")
	}
	if off < 0 || off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	m.reads.Add(1)
	return copy(p, m.data[off:]), nil
}

// WriteAt writes to the media. A write that starts past the end fails; one
// that crosses it is truncated.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, fmt.Errorf("backend: media closed")
	}
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("backend: write at %d beyond end of media", off)
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	m.writes.Add(1)
	return copy(m.data[off:], p), nil
}

// Size returns the media size in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close drops the media contents
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Flush is a no-op for RAM
func (m *Memory) Flush() error {
	m.flushes.Add(1)
	return nil
}

// Stats reports media counters
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":    "memory",
		"size":    humanize.IBytes(uint64(m.size)),
		"reads":   m.reads.Load(),
		"writes":  m.writes.Load(),
		"flushes": m.flushes.Load(),
	}
}

var (
	_ interfaces.Backend     = (*Memory)(nil)
	_ interfaces.StatBackend = (*Memory)(nil)
)
