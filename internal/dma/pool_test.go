package dma

import (
	"testing"
)

func TestGetBuffer_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - sense", 96, 4 * 1024},
		{"16KB bucket - exact", 16 * 1024, 16 * 1024},
		{"16KB bucket - smaller", 5 * 1024, 16 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"64KB bucket - smaller", 40 * 1024, 64 * 1024},
		{"oversize - unpooled", 100 * 1024, 100 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestGetBuffer_Zeroed(t *testing.T) {
	buf := GetBuffer(4 * 1024)
	for i := range buf {
		buf[i] = 0xff
	}
	PutBuffer(buf)

	// Whether or not the pool hands back the same backing array, the
	// contents must be clear.
	buf = GetBuffer(2 * 1024)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	PutBuffer(buf)
}

func TestPutBuffer_NonStandardCap(t *testing.T) {
	buf := make([]byte, 10*1024)
	// This should not panic
	PutBuffer(buf)
}

func BenchmarkGetBuffer_4KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(4 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_16KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(16 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkMakeBuffer_16KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 16*1024)
	}
}
