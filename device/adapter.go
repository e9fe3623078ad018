package device

import (
	"context"
	"fmt"

	"github.com/ublkraid/ublkraid/subcmd"
)

// Adapter drives a composed UblkDisk tree (a raid0 or raid1 root, or a
// bare Leaf for plain passthrough) as a synchronous Backend, so it can
// sit behind the existing queue runner exactly like any other leaf
// backend. It is the target runtime of spec §4.7: each call blocks on
// the tree's aggregate completion and, on failure, re-submits the same
// top-level sub-command once with FlagRetried set before giving up,
// per §4.7.1's retry coroutine. The tree's own QueueIO is responsible
// for any further fan-out and for skipping children that already
// succeeded on the first attempt.
type Adapter struct {
	ctx  context.Context
	disk UblkDisk
}

// NewAdapter wraps disk for synchronous use. ctx bounds every I/O
// issued through the returned Adapter; pass context.Background() for
// the lifetime of a served device.
func NewAdapter(ctx context.Context, disk UblkDisk) *Adapter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Adapter{ctx: ctx, disk: disk}
}

// Disk returns the wrapped composition root, for callers that need to
// reach raid1-specific methods like SwapDevice and ReplicaStates.
func (a *Adapter) Disk() UblkDisk { return a.disk }

func (a *Adapter) once(sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (Completion, error) {
	done := make(chan Completion, 1)
	if err := a.disk.QueueIO(a.ctx, sub, op, lba, length, iovecs, func(c Completion) { done <- c }); err != nil {
		return Completion{}, err
	}
	select {
	case c := <-done:
		return c, nil
	case <-a.ctx.Done():
		return Completion{}, a.ctx.Err()
	}
}

// dispatch implements the top-level retry coroutine: one attempt, and
// on aggregate failure exactly one retry before surfacing an I/O error
// to the caller. Per spec §3.1/§4.7.1, a retry must re-submit with "the
// original route unmodified plus RETRIED" — so the retry carries the
// Sub of the failing completion itself (which a composition layer sets
// to the specific child sub-command that failed), not a fresh zero
// route; FlagRetried is added on top of it.
func (a *Adapter) dispatch(op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int32, error) {
	c, err := a.once(0, op, lba, length, iovecs)
	if err != nil {
		return 0, err
	}
	if c.Result >= 0 {
		return c.Result, nil
	}
	retried := subcmd.SetFlags(c.Sub, subcmd.FlagRetried)
	c, err = a.once(retried, op, lba, length, iovecs)
	if err != nil {
		return 0, err
	}
	if c.Result < 0 {
		return 0, NewError("adapter.dispatch", ErrIO, fmt.Errorf("sub-command failed after retry"))
	}
	return c.Result, nil
}

// ReadAt implements the root package's Backend interface.
func (a *Adapter) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := a.dispatch(subcmd.OpRead, uint64(off)/SectorSize, uint32(len(p)/SectorSize), [][]byte{p})
	return int(n), err
}

// WriteAt implements the root package's Backend interface.
func (a *Adapter) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := a.dispatch(subcmd.OpWrite, uint64(off)/SectorSize, uint32(len(p)/SectorSize), [][]byte{p})
	return int(n), err
}

// Flush implements the root package's Backend interface.
func (a *Adapter) Flush() error {
	_, err := a.dispatch(subcmd.OpFlush, 0, 0, nil)
	return err
}

// Discard implements the root package's DiscardBackend interface.
func (a *Adapter) Discard(offset, length int64) error {
	_, err := a.dispatch(subcmd.OpDiscard, uint64(offset)/SectorSize, uint32(length/SectorSize), nil)
	return err
}

// WriteZeroes implements the root package's WriteZeroesBackend
// interface, routed the same as Discard per raid1's handling of both
// (SPEC_FULL.md supplemented features 4-5).
func (a *Adapter) WriteZeroes(offset, length int64) error {
	_, err := a.dispatch(subcmd.OpWriteZeroes, uint64(offset)/SectorSize, uint32(length/SectorSize), nil)
	return err
}

// Size implements the root package's Backend interface.
func (a *Adapter) Size() int64 {
	return int64(a.disk.Params().Capacity())
}

// Close implements the root package's Backend interface.
func (a *Adapter) Close() error { return a.disk.Close() }
