package device

import (
	"context"

	"github.com/ublkraid/ublkraid/subcmd"
)

// SectorSize is the fixed addressing unit for every UblkDisk method's lba
// parameter, matching raid0's and raid1's convention so a leaf slots into
// either composition tree without translation.
const SectorSize = 512

// LeafBackend is the minimal synchronous storage surface a Leaf adapts
// into a UblkDisk: the same shape as the root package's Backend
// interface, kept independent of it so this package never imports the
// root module (avoiding an import cycle with cmd/ublkraid, which wires
// both together).
type LeafBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Close() error
	Flush() error
}

// discardBackend is implemented by a LeafBackend that supports TRIM.
type discardBackend interface {
	Discard(offset, length int64) error
}

// Leaf wraps a synchronous backend (memory, file, any LeafBackend) as a
// UblkDisk: the tree's base case. A Leaf consumes zero route bits and
// completes every sub-command synchronously, inline within QueueIO,
// since it has no further fan-out to wait on.
type Leaf struct {
	backend  LeafBackend
	params   Params
	discards bool
}

// NewLeaf builds a Leaf over backend, reporting the given geometry. The
// caller is responsible for supplying a backend opened O_DIRECT if this
// leaf will sit beneath a raid1 node (spec §4.5's requirement).
func NewLeaf(backend LeafBackend, logicalBSShift, physicalBSShift uint8, maxSectors uint32, directIO bool) *Leaf {
	_, discards := backend.(discardBackend)
	l := &Leaf{backend: backend, discards: discards}
	l.params = Params{
		DevSectors:      uint64(backend.Size()) / SectorSize,
		LogicalBSShift:  logicalBSShift,
		PhysicalBSShift: physicalBSShift,
		MaxSectors:      maxSectors,
		DirectIO:        directIO,
	}
	if discards {
		l.params.DiscardGranularity = 1 << logicalBSShift
	}
	return l
}

// Params implements UblkDisk.
func (l *Leaf) Params() Params { return l.params }

// RouteSize implements UblkDisk: a leaf consumes no route bits.
func (l *Leaf) RouteSize() uint { return 0 }

// Close implements UblkDisk.
func (l *Leaf) Close() error { return l.backend.Close() }

// IdleTransition implements UblkDisk: leaves have no background work.
func (l *Leaf) IdleTransition(enter bool) {}

// CollectAsync implements UblkDisk: a Leaf always completes inline
// within QueueIO, so it never has anything queued for later collection.
func (l *Leaf) CollectAsync() []Completion { return nil }

// HandleInternal implements UblkDisk: leaves never synthesize
// FlagInternal sub-commands, so this is never called for one of their
// own tags.
func (l *Leaf) HandleInternal(c Completion) {}

// QueueIO implements UblkDisk by performing the I/O synchronously and
// invoking complete before returning.
func (l *Leaf) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete CompletionFunc) error {
	n, err := l.doIO(op, lba, length, iovecs)
	if err != nil {
		complete(Completion{Sub: sub, Result: -1})
		return nil
	}
	complete(Completion{Sub: sub, Result: int32(n)})
	return nil
}

// SyncIOV implements UblkDisk: identical to QueueIO's synchronous path,
// used by superblock/bitmap I/O and resync extent copies.
func (l *Leaf) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	n, err := l.doIO(op, lba, length, iovecs)
	if err != nil {
		return 0, NewError("leaf.sync_iov", ErrIO, err)
	}
	return n, nil
}

func (l *Leaf) doIO(op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	offset := int64(lba) * SectorSize
	switch op {
	case subcmd.OpRead:
		return l.backend.ReadAt(iovecs[0], offset)
	case subcmd.OpWrite:
		return l.backend.WriteAt(iovecs[0], offset)
	case subcmd.OpFlush:
		return 0, l.backend.Flush()
	case subcmd.OpDiscard, subcmd.OpWriteZeroes:
		if d, ok := l.backend.(discardBackend); ok {
			return 0, d.Discard(offset, int64(length)*SectorSize)
		}
		return 0, nil
	default:
		return 0, NewError("leaf.queue_io", ErrInvalidArgument, errUnknownOp)
	}
}

var errUnknownOp = errUnknownOpType{}

type errUnknownOpType struct{}

func (errUnknownOpType) Error() string { return "device: unknown op" }

var _ UblkDisk = (*Leaf)(nil)
