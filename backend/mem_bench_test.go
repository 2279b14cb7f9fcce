package backend

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/dustin/go-humanize"
)

// BenchmarkMemory measures block-sized transfers against the media
func BenchmarkMemory(b *testing.B) {
	const mediaSize = 64 << 20
	for _, size := range []int{512, 4096, 128 * 1024} {
		b.Run(humanize.IBytes(uint64(size)), func(b *testing.B) {
			mem := NewMemory(mediaSize)
			data := make([]byte, size)
			rand.Read(data)

			b.Run("read", func(b *testing.B) {
				buf := make([]byte, size)
				b.SetBytes(int64(size))
				for i := 0; i < b.N; i++ {
					mem.ReadAt(buf, int64(rand.Intn(mediaSize-size)))
				}
			})
			b.Run("write", func(b *testing.B) {
				b.SetBytes(int64(size))
				for i := 0; i < b.N; i++ {
					mem.WriteAt(data, int64(rand.Intn(mediaSize-size)))
				}
			})
		})
	}
}

// BenchmarkMemoryParallel mixes reads and writes from many goroutines
func BenchmarkMemoryParallel(b *testing.B) {
	const mediaSize, block = 64 << 20, 4096
	mem := NewMemory(mediaSize)
	for _, p := range []int{1, 8, 32} {
		b.Run(fmt.Sprintf("p%d", p), func(b *testing.B) {
			b.SetParallelism(p)
			b.SetBytes(block)
			b.RunParallel(func(pb *testing.PB) {
				buf := make([]byte, block)
				for pb.Next() {
					off := int64(rand.Intn(mediaSize - block))
					if rand.Intn(10) < 7 {
						mem.ReadAt(buf, off)
					} else {
						mem.WriteAt(buf, off)
					}
				}
			})
		})
	}
}
