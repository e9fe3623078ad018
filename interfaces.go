package ublk

// Backend defines the interface every ublk backend must implement: the
// minimal synchronous read/write/flush surface a queue runner drives
// directly. A composition tree (raid0/raid1 over device.UblkDisk) is
// adapted to this surface by device.Adapter so it can sit behind the
// same queue runner as a plain leaf backend.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// WriteZeroesBackend is an optional interface for the WRITE_ZEROES
// operation, distinct from Discard in that the zeroed region must read
// back as zero rather than merely "unmapped".
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for backends that distinguish a
// full sync from a bounded-range one.
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface for backends that can report
// implementation-specific statistics.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for backends that support
// growing or shrinking in place.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}

// Logger is the interface Options.Logger must implement for debug/info
// messages from device creation and the queue runners.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
