package interfaces

// Backend is the media behind a simulated disk. It is intentionally
// similar to io.ReaderAt and io.WriterAt.
type Backend interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned, or n covers the end of the media.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the media in bytes.
	Size() int64

	// Close releases any resources. No other methods may be called after.
	Close() error

	// Flush flushes cached writes. Called for SYNCHRONIZE CACHE.
	Flush() error
}

// StatBackend is an optional interface that provides media statistics.
type StatBackend interface {
	Backend

	// Stats returns backend-specific statistics.
	Stats() map[string]interface{}
}
