// Package device defines the UblkDisk contract every composition node
// (raid0, raid1, passthrough) and leaf backend implements, and the
// parameter/error vocabulary they share. A composition tree is built by
// nesting UblkDisk values; the target runtime only ever talks to the
// root of that tree.
package device

import (
	"context"
	"fmt"

	"github.com/ublkraid/ublkraid/subcmd"
)

// Completion reports the outcome of a sub-command previously handed to
// QueueIO or SyncIOV: either a kernel-uring completion for a
// uring-backed leaf, or a synthesized one from a leaf or layer using its
// own completion channel (an in-process retry, a background resync
// write, raid1's optimistic-secondary cleanup).
type Completion struct {
	Sub    subcmd.SubCmd
	Result int32 // negative errno on failure, bytes transferred (or 0) on success
}

// Params describes the externally visible geometry and capability set of
// a disk at any point in the composition tree: a leaf reports its own
// backing geometry, a raid0/raid1 node reports the geometry it presents
// to its parent (or to the target runtime, if it is the root).
type Params struct {
	DevSectors         uint64
	LogicalBSShift     uint8
	PhysicalBSShift    uint8
	MaxSectors         uint32
	DiscardGranularity uint32
	Attrs              uint32
	DirectIO           bool
	// UsesExternalCompletion is true when this disk's I/O never
	// completes through the shared kernel uring instance and must
	// instead be drained via CollectAsync.
	UsesExternalCompletion bool
}

// BlockSize returns the logical block size in bytes.
func (p Params) BlockSize() uint32 { return 1 << p.LogicalBSShift }

// Capacity returns the device size in bytes.
func (p Params) Capacity() uint64 { return p.DevSectors << p.LogicalBSShift }

// CanDiscard reports whether the disk advertises discard/TRIM support.
func (p Params) CanDiscard() bool { return p.DiscardGranularity > 0 }

// ErrorKind classifies a disk-level failure the way spec §7 enumerates.
type ErrorKind int

const (
	ErrIO ErrorKind = iota
	ErrInvalidArgument
	ErrNotPermitted
	ErrNotEnoughMemory
	ErrOperationInProgress
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIO:
		return "io error"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNotPermitted:
		return "not permitted"
	case ErrNotEnoughMemory:
		return "not enough memory"
	case ErrOperationInProgress:
		return "operation in progress"
	default:
		return "unknown error"
	}
}

// Error is the error type every UblkDisk method returns.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("device: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error, the canonical way a UblkDisk reports failure.
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// CompletionFunc is handed to QueueIO so a disk can report a sub-command's
// outcome asynchronously, from whatever goroutine actually observes it.
type CompletionFunc func(Completion)

// UblkDisk is implemented by every node of a composition tree: leaf
// backends (memory, file), and the raid0/raid1 composition layers.
// Composition layers dispatch to their children through the same
// interface recursively, so the target runtime never needs to know how
// deep or what shape the tree is.
type UblkDisk interface {
	// Params returns the geometry and capability set this disk presents
	// to its parent (or to the target runtime, at the root).
	Params() Params

	// RouteSize returns how many low bits of a SubCmd this disk's own
	// dispatch decisions consume. Leaves return 0.
	RouteSize() uint

	// QueueIO submits one sub-command for op over [lba, lba+len) sectors
	// using iovecs as the data buffers (empty for FLUSH/DISCARD), and
	// arranges for complete to be invoked exactly once with its outcome.
	// It returns an error only for a synchronous rejection (bad
	// arguments, backing resource gone); async failures are reported
	// through complete.
	QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, len uint32, iovecs [][]byte, complete CompletionFunc) error

	// HandleInternal delivers the completion of a sub-command this disk
	// (or one of its children) marked FlagInternal — bookkeeping the
	// disk generated for itself, not traceable to a guest request.
	HandleInternal(c Completion)

	// CollectAsync drains completions that arrived through this disk's
	// own completion channel rather than the shared kernel uring
	// instance (set when Params().UsesExternalCompletion is true, or
	// surfaced by a child that is). It must not block.
	CollectAsync() []Completion

	// IdleTransition notifies the disk that the data path is becoming
	// idle (enter=true) or active again (enter=false), so background
	// work (raid1 resync) can pace itself around foreground I/O.
	IdleTransition(enter bool)

	// SyncIOV performs op over [lba, lba+len) synchronously, for control
	// paths that aren't on the guest I/O hot path (superblock I/O,
	// resync extent copies, swap_device bootstrap reads).
	SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, len uint32, iovecs [][]byte) (int, error)

	// Close releases any resources (file descriptors, background
	// goroutines) held by this disk and its children.
	Close() error
}
