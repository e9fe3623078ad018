package raid1

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
	"github.com/ublkraid/ublkraid/superblock"
)

// QueueIO implements device.UblkDisk.
func (r *Raid1) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	if subcmd.IsRetry(sub) {
		return r.handleAsyncRetry(ctx, sub, op, lba, length, iovecs, complete)
	}
	switch op {
	case subcmd.OpRead:
		return r.failoverRead(ctx, sub, lba, length, iovecs, complete)
	case subcmd.OpFlush:
		return r.queueFlush(ctx, sub, complete)
	default: // WRITE, DISCARD, WRITE_ZEROES: all replicate (spec items 4, 5)
		return r.replicate(ctx, sub, op, lba, length, iovecs, complete)
	}
}

func (r *Raid1) childRouteBits() uint { return r.mirrors[sideA].disk.RouteSize() }

func (r *Raid1) diskLBA(lba uint64) uint64 { return lba + r.reserved/SectorSize }

// replicate is __replicate (spec §4.5.2): write the primary side, then
// either replicate to the secondary synchronously (CLEAN) or fire an
// INTERNAL optimistic write to it (DEGRADED), reporting the primary's
// byte count to the guest either way.
func (r *Raid1) replicate(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	relOffset := lba * SectorSize
	byteLen := uint64(length) * SectorSize

	clean, degraded := r.cleanSide()
	primary := clean
	if !degraded {
		primary = side(r.lastRead.Add(1) % 2)
	}
	secondary := primary.other()
	diskLBA := r.diskLBA(lba)

	primarySub := subcmd.DispatchChild(sub, RouteBits, uint16(primary))
	return r.mirrors[primary].disk.QueueIO(ctx, primarySub, op, diskLBA, length, iovecs, func(c device.Completion) {
		if c.Result < 0 {
			if degraded {
				// Failure on the already-clean side with nowhere left to
				// fail over to: report the leg that actually failed so a
				// top-level retry targets it, not the parent's route.
				complete(device.Completion{Sub: primarySub, Result: c.Result})
				return
			}
			r.becomeDegraded(ctx, secondary)
			r.bitmap.DirtyRegion(relOffset, byteLen)
			retrySub := subcmd.DispatchChild(sub, RouteBits, uint16(secondary))
			if err := r.mirrors[secondary].disk.QueueIO(ctx, retrySub, op, diskLBA, length, iovecs, func(c2 device.Completion) {
				reportSub := sub
				if c2.Result < 0 {
					// Both legs lost this write: identify the leg that
					// just failed so the retry (and, if that also fails,
					// the fatal double-failure check) targets it.
					reportSub = retrySub
				}
				complete(device.Completion{Sub: reportSub, Result: c2.Result})
			}); err != nil {
				complete(device.Completion{Sub: retrySub, Result: -1})
			}
			return
		}

		if degraded {
			// Optimistic secondary: don't block the guest completion on
			// the untrusted side. Its outcome arrives through
			// HandleInternal (spec §4.5.5).
			complete(device.Completion{Sub: sub, Result: c.Result})
			if r.mirrors[secondary].unavailable.Load() || r.bitmap.IsDirty(relOffset, byteLen) {
				r.bitmap.DirtyRegion(relOffset, byteLen)
				return
			}
			secSub := subcmd.SetFlags(subcmd.DispatchChild(sub, RouteBits, uint16(secondary)), subcmd.FlagInternal)
			r.trackInternal(secSub, relOffset, byteLen)
			_ = r.mirrors[secondary].disk.QueueIO(ctx, secSub, op, diskLBA, length, iovecs, func(c2 device.Completion) {
				r.HandleInternal(device.Completion{Sub: secSub, Result: c2.Result})
			})
			return
		}

		// CLEAN: replicate synchronously so both sides are known good
		// before reporting success.
		secSub := subcmd.SetFlags(subcmd.DispatchChild(sub, RouteBits, uint16(secondary)), subcmd.FlagReplicate)
		_ = r.mirrors[secondary].disk.QueueIO(ctx, secSub, op, diskLBA, length, iovecs, func(c2 device.Completion) {
			if c2.Result < 0 {
				r.becomeDegraded(ctx, primary)
				r.bitmap.DirtyRegion(relOffset, byteLen)
			}
			complete(device.Completion{Sub: sub, Result: c.Result})
		})
	})
}

// failoverRead is __failover_read (spec §4.5.3): round-robins reads,
// diverting away from a dirty or unavailable side, with one retry on the
// other side if the chosen one fails.
func (r *Raid1) failoverRead(ctx context.Context, sub subcmd.SubCmd, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	relOffset := lba * SectorSize
	byteLen := uint64(length) * SectorSize
	diskLBA := r.diskLBA(lba)

	chosen := side(r.lastRead.Add(1) % 2)
	if clean, degraded := r.cleanSide(); degraded {
		dirty := clean.other()
		if r.mirrors[dirty].unavailable.Load() || r.bitmap.IsDirty(relOffset, byteLen) {
			chosen = clean
		}
	}

	// chosenSub is derived once from the untouched incoming sub; the
	// retry below must dispatch-child from that same original, not from
	// chosenSub itself, or the route would be shifted twice for a single
	// raid1 level (harmless here, but corrupts any ancestor route bits
	// nested above raid1 in a composed array).
	chosenSub := subcmd.DispatchChild(sub, RouteBits, uint16(chosen))
	return r.mirrors[chosen].disk.QueueIO(ctx, chosenSub, subcmd.OpRead, diskLBA, length, iovecs, func(c device.Completion) {
		if c.Result >= 0 {
			complete(device.Completion{Sub: sub, Result: c.Result})
			return
		}
		other := chosen.other()
		retrySub := subcmd.SetFlags(subcmd.DispatchChild(sub, RouteBits, uint16(other)), subcmd.FlagRetried)
		if err := r.mirrors[other].disk.QueueIO(ctx, retrySub, subcmd.OpRead, diskLBA, length, iovecs, func(c2 device.Completion) {
			reportSub := sub
			if c2.Result < 0 {
				reportSub = retrySub
			}
			complete(device.Completion{Sub: reportSub, Result: c2.Result})
		}); err != nil {
			complete(device.Completion{Sub: retrySub, Result: -1})
		}
	})
}

func (r *Raid1) queueFlush(ctx context.Context, sub subcmd.SubCmd, complete device.CompletionFunc) error {
	var failed int32
	var pending int32 = 2
	var mu sync.Mutex
	var failedSub subcmd.SubCmd
	var hasFailedSub bool
	done := func(childSub subcmd.SubCmd, c device.Completion) {
		if c.Result < 0 {
			atomic.StoreInt32(&failed, 1)
			mu.Lock()
			if !hasFailedSub {
				failedSub, hasFailedSub = childSub, true
			}
			mu.Unlock()
		}
		if atomic.AddInt32(&pending, -1) == 0 {
			result := int32(0)
			reportSub := sub
			if atomic.LoadInt32(&failed) != 0 {
				result = -1
				mu.Lock()
				reportSub = failedSub
				mu.Unlock()
			}
			complete(device.Completion{Sub: reportSub, Result: result})
		}
	}
	for s := sideA; s <= sideB; s++ {
		childSub := subcmd.DispatchChild(sub, RouteBits, uint16(s))
		if err := r.mirrors[s].disk.QueueIO(ctx, childSub, subcmd.OpFlush, 0, 0, nil, func(c device.Completion) {
			done(childSub, c)
		}); err != nil {
			done(childSub, device.Completion{Sub: childSub, Result: -1})
		}
	}
	return nil
}

// HandleInternal implements device.UblkDisk (spec §4.5.5): an optimistic
// secondary write's outcome. Success clears the chunk bits it just wrote
// and opportunistically persists the now-cleaner bitmap page to the
// clean device's on-disk bitmap region, so a crash doesn't lose the
// bookkeeping; failure leaves the region dirty (it was marked dirty
// before dispatch, so there is nothing further to do). Both are
// best-effort: neither path reports anything back to the guest, which
// already has its completion.
func (r *Raid1) HandleInternal(c device.Completion) {
	region, ok := r.takeInternal(c.Sub)
	if !ok {
		return
	}
	if c.Result < 0 {
		return
	}
	r.bitmap.CleanRegion(region.offset, region.length)
	if clean, degraded := r.cleanSide(); degraded {
		go func() {
			_ = r.bitmap.SyncTo(context.Background(), r.mirrors[clean].disk, superblock.PageBytes)
		}()
	}
}
