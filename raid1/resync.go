package raid1

import (
	"context"
	"fmt"
	"time"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
	"github.com/ublkraid/ublkraid/superblock"
)

// resyncBackoff is the cool-down entered after a failed extent copy (a
// failed read from the clean side, or a failed write to the dirty side,
// which also flags it unavailable) or a failed become_clean: ordinary
// scheduling between extents never waits this long.
const resyncBackoff = 5 * time.Second

// resyncPauseBackoff bounds how long the worker can go without noticing
// a PAUSE request from the data path (spec §5: "observe PAUSE within one
// backoff (<=30us)").
const resyncPauseBackoff = 30 * time.Microsecond

// wakeResync starts the background resync worker if it is not already
// running. Called on the CLEAN->DEGRADED transition and after a
// swap_device.
func (r *Raid1) wakeResync() {
	if r.resync.CompareAndSwap(int32(resyncIdle), int32(resyncActive)) {
		r.resyncDone = make(chan struct{})
		go r.resyncLoop()
		return
	}
	// Already running (or paused): just nudge it in case it's parked in
	// the PAUSE wait.
	select {
	case r.resyncWake <- struct{}{}:
	default:
	}
}

// stopResync transitions the worker to STOPPED and waits for it to exit,
// per spec §5's "terminates promptly... on STOPPED". A no-op if the
// worker was never started.
func (r *Raid1) stopResync() {
	for {
		cur := resyncState(r.resync.Load())
		if cur == resyncIdle {
			return
		}
		if r.resync.CompareAndSwap(int32(cur), int32(resyncStopped)) {
			break
		}
	}
	select {
	case r.resyncWake <- struct{}{}:
	default:
	}
	<-r.resyncDone
}

// nextDirtyExtent finds the next dirty region starting from the lowest
// offset, greedily extending it across consecutive dirty chunks up to
// maxBytes, implementing spec §4.6's next_dirty "greedily extend a run"
// contract at chunk granularity.
func (r *Raid1) nextDirtyExtent(maxBytes uint64) (offset, length uint64, ok bool) {
	off, found := r.bitmap.NextDirty(0)
	if !found {
		return 0, 0, false
	}
	length = r.chunkSize
	capacity := r.params.Capacity()
	for length < maxBytes {
		next := off + length
		if next >= capacity || !r.bitmap.IsDirty(next, r.chunkSize) {
			break
		}
		length += r.chunkSize
	}
	if off+length > capacity {
		length = capacity - off
	}
	return off, length, true
}

// resyncCopyExtent copies one dirty extent from the clean side to the
// dirty side, then clears its bitmap bits on success (spec §4.5.6).
func (r *Raid1) resyncCopyExtent(ctx context.Context, offset, length uint64) error {
	clean, degraded := r.cleanSide()
	if !degraded {
		return nil
	}
	dirty := clean.other()
	lba := offset/SectorSize + r.reserved/SectorSize
	sectors := uint32(length / SectorSize)

	buf := make([]byte, length)
	if _, err := r.mirrors[clean].disk.SyncIOV(ctx, subcmd.OpRead, lba, sectors, [][]byte{buf}); err != nil {
		return device.NewError("raid1.resync.read", device.ErrIO, err)
	}
	if _, err := r.mirrors[dirty].disk.SyncIOV(ctx, subcmd.OpWrite, lba, sectors, [][]byte{buf}); err != nil {
		r.mirrors[dirty].unavailable.Store(true)
		return device.NewError("raid1.resync.write", device.ErrIO, err)
	}
	r.bitmap.CleanRegion(offset, length)
	return nil
}

// resyncLoop is the single background worker of spec §4.5.6: while
// DEGRADED and not paused, it copies the next dirty extent from the
// clean side to the dirty one, bounded by resyncLevel extents between
// yields to the PAUSE check, and attempts become_clean once the bitmap
// empties.
func (r *Raid1) resyncLoop() {
	defer close(r.resyncDone)

	maxExtent := uint64(r.params.MaxSectors) * 2 * SectorSize
	if maxExtent == 0 {
		maxExtent = r.chunkSize
	}
	copied := 0

	for {
		switch resyncState(r.resync.Load()) {
		case resyncStopped:
			return
		case resyncPause:
			select {
			case <-r.resyncWake:
			case <-time.After(resyncPauseBackoff):
			}
			r.resync.CompareAndSwap(int32(resyncPause), int32(resyncActive))
			continue
		}

		offset, length, ok := r.nextDirtyExtent(maxExtent)
		if !ok {
			if err := r.becomeClean(context.Background()); err == nil {
				r.resync.Store(int32(resyncIdle))
				return
			}
			if r.waitOrStop(resyncBackoff) {
				return
			}
			continue
		}

		if err := r.resyncCopyExtent(context.Background(), offset, length); err != nil {
			if r.waitOrStop(resyncBackoff) {
				return
			}
			continue
		}

		copied++
		if r.resyncLevel > 0 && copied >= r.resyncLevel {
			copied = 0
			r.resync.CompareAndSwap(int32(resyncActive), int32(resyncSleeping))
			r.waitOrStop(0)
			r.resync.CompareAndSwap(int32(resyncSleeping), int32(resyncActive))
		}
	}
}

// waitOrStop parks for d (or until woken) and reports whether the worker
// should exit because it was stopped while waiting.
func (r *Raid1) waitOrStop(d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		timer = time.After(d)
	}
	select {
	case <-r.resyncWake:
	case <-timer:
	}
	return resyncState(r.resync.Load()) == resyncStopped
}

// ageWithin reports whether a and b differ by at most delta.
func ageWithin(a, b uint64, delta uint64) bool {
	if a > b {
		return a-b <= delta
	}
	return b-a <= delta
}

// SwapDevice replaces the backing disk on one leg of the array with
// newDisk, implementing spec §4.5.7. old identifies which leg (sideA or
// sideB) is being replaced.
func (r *Raid1) SwapDevice(ctx context.Context, old side, newDisk device.UblkDisk) error {
	np := newDisk.Params()
	if !np.DirectIO {
		return device.NewError("raid1.swap_device", device.ErrNotPermitted, fmt.Errorf("replacement device is not O_DIRECT"))
	}
	requiredSectors := r.params.DevSectors + r.reserved/SectorSize
	if np.DevSectors < requiredSectors {
		return device.NewError("raid1.swap_device", device.ErrNotPermitted, fmt.Errorf("replacement device smaller than capacity+reserved_size"))
	}
	if np.LogicalBSShift > r.mirrors[old].disk.Params().LogicalBSShift {
		return device.NewError("raid1.swap_device", device.ErrNotPermitted, fmt.Errorf("replacement device has a larger logical block size"))
	}

	r.mu.Lock()
	if clean, degraded := r.cleanSide(); degraded && old == clean {
		r.mu.Unlock()
		return device.NewError("raid1.swap_device", device.ErrNotPermitted, fmt.Errorf("cannot replace the clean side of a degraded array"))
	}
	r.mu.Unlock()

	r.stopResync()

	sb, ok, err := readSuperblockOf(ctx, newDisk)
	if err != nil {
		return err
	}
	hotSwap := ok && sb.ArrayUUID == r.uuid && ageWithin(sb.Age, r.age.Load(), 1)

	r.mirrors[old].disk = newDisk
	r.mirrors[old].unavailable.Store(false)
	if !hotSwap {
		r.bitmap.SetAllDirty(r.params.Capacity())
	}

	r.age.Add(16)
	r.mu.Lock()
	r.state.Store(int32(stateDegraded))
	r.readRoute.Store(int32(readRouteFor(old.other())))
	r.mu.Unlock()

	if err := r.flushBothSuperblocks(ctx); err != nil {
		return err
	}
	r.wakeResync()
	return nil
}

// readSuperblockOf reads and decodes the raid1 superblock of an arbitrary
// disk, not necessarily one of this array's current legs (used by
// SwapDevice to inspect a replacement before committing to it).
func readSuperblockOf(ctx context.Context, disk device.UblkDisk) (superblock.Raid1, bool, error) {
	buf := make([]byte, superblock.PageBytes)
	if _, err := disk.SyncIOV(ctx, subcmd.OpRead, 0, superblock.PageBytes/SectorSize, [][]byte{buf}); err != nil {
		return superblock.Raid1{}, false, device.NewError("raid1.superblock.read", device.ErrIO, err)
	}
	return superblock.UnmarshalRaid1(buf)
}

// ReplicaState classifies one mirror leg for operational tooling.
type ReplicaState string

const (
	ReplicaClean   ReplicaState = "CLEAN"
	ReplicaSyncing ReplicaState = "SYNCING"
	ReplicaError   ReplicaState = "ERROR"
)

// ReplicaStates reports each leg's state and an estimate of how many
// bytes remain to resync, per spec §7's operational tooling surface.
type ReplicaStates struct {
	DeviceA     ReplicaState
	DeviceB     ReplicaState
	BytesToSync uint64
}

// ReplicaStates implements the original's replica_states() query
// (supplemented feature 1 in SPEC_FULL.md), surfaced by cmd/ublkraid's
// status subcommand.
func (r *Raid1) ReplicaStates() ReplicaStates {
	states := ReplicaStates{DeviceA: ReplicaClean, DeviceB: ReplicaClean}
	if clean, degraded := r.cleanSide(); degraded {
		dirty := clean.other()
		s := ReplicaSyncing
		if r.mirrors[dirty].unavailable.Load() {
			s = ReplicaError
		}
		if dirty == sideA {
			states.DeviceA = s
		} else {
			states.DeviceB = s
		}
		states.BytesToSync = r.bitmap.DirtyByteEstimate()
	}
	return states
}

// SyncIOV implements device.UblkDisk: a blocking wrapper over QueueIO for
// control-path callers (a parent raid0 layer probing this mirror's own
// superblock in a RAID10 composition, swap_device bootstrap reads).
func (r *Raid1) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	done := make(chan device.Completion, 1)
	err := r.QueueIO(ctx, 0, op, lba, length, iovecs, func(c device.Completion) { done <- c })
	if err != nil {
		return 0, err
	}
	select {
	case c := <-done:
		if c.Result < 0 {
			return 0, device.NewError("raid1.sync_iov", device.ErrIO, fmt.Errorf("sub-command failed"))
		}
		return int(c.Result), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
