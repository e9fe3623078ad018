package raid1

import (
	"context"
	"sync"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
	"github.com/ublkraid/ublkraid/superblock"
)

type internalRegion struct {
	offset, length uint64
}

var internalMu sync.Mutex

// trackInternal/takeInternal close the gap between device.Completion
// (which carries only a SubCmd and a result) and the byte range an
// INTERNAL optimistic write covered, which HandleInternal needs to clean
// the right bitmap bits.
func (r *Raid1) trackInternal(sub subcmd.SubCmd, offset, length uint64) {
	internalMu.Lock()
	defer internalMu.Unlock()
	if r.internal == nil {
		r.internal = map[subcmd.SubCmd]internalRegion{}
	}
	r.internal[sub] = internalRegion{offset, length}
}

func (r *Raid1) takeInternal(sub subcmd.SubCmd) (internalRegion, bool) {
	internalMu.Lock()
	defer internalMu.Unlock()
	reg, ok := r.internal[sub]
	if ok {
		delete(r.internal, sub)
	}
	return reg, ok
}

// becomeDegraded implements the CLEAN -> DEGRADED transition of spec
// §4.5.1: bump age, point read_route at the still-good side, write its
// superblock synchronously. If that write fails while we were CLEAN,
// the state does not change (the caller's op still fails, but the array
// stays CLEAN so a future write gets another chance).
func (r *Raid1) becomeDegraded(ctx context.Context, clean side) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state(r.state.Load()) == stateDegraded {
		return
	}
	r.age.Add(1)
	r.readRoute.Store(int32(readRouteFor(clean)))
	if err := r.writeSuperblock(ctx, clean); err != nil {
		r.readRoute.Store(int32(superblock.ReadRouteEither))
		return
	}
	r.state.Store(int32(stateDegraded))
	r.wakeResync()
}

// becomeClean implements the DEGRADED -> CLEAN transition of spec
// §4.5.1, entered once the bitmap empties: both superblocks are written
// with read_route=EITHER.
func (r *Raid1) becomeClean(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state(r.state.Load()) == stateClean {
		return nil
	}
	r.readRoute.Store(int32(superblock.ReadRouteEither))
	if err := r.flushBothSuperblocks(ctx); err != nil {
		return err
	}
	r.state.Store(int32(stateClean))
	return nil
}

// handleAsyncRetry is __handle_async_retry (spec §4.5.4): entered when a
// completion arrives with is_retry(sub) set, meaning the target runtime
// is resubmitting a sub-command that previously failed. A retry on the
// degraded array's clean side is fatal (there is nowhere left to fail
// over to); otherwise the array degrades around the failing side and,
// unless the failing sub-command was itself a REPLICATE, the original
// guest-visible I/O is completed successfully — the data made it to the
// side that is now considered clean. If the degrade's superblock write
// fails, the array stays CLEAN and the I/O completes with an error.
func (r *Raid1) handleAsyncRetry(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	failing := side(subcmd.ChildIndex(sub, RouteBits, r.childRouteBits()))
	clean, degraded := r.cleanSide()
	if degraded && failing == clean {
		complete(device.Completion{Sub: sub, Result: -1})
		return nil
	}

	nowClean := failing.other()
	r.becomeDegraded(ctx, nowClean)
	relOffset := lba * SectorSize
	byteLen := uint64(length) * SectorSize
	r.bitmap.DirtyRegion(relOffset, byteLen)

	if subcmd.IsReplicate(sub) {
		// The secondary's own failure path (replicate()) already reports
		// nothing to the guest; this retry arriving for it just confirms
		// the degrade already happened above.
		return nil
	}
	if c, ok := r.cleanSide(); !ok || c != nowClean {
		complete(device.Completion{Sub: sub, Result: -1})
		return nil
	}
	complete(device.Completion{Sub: sub, Result: int32(byteLen)})
	return nil
}
