// Package raid1 implements the 2-way mirroring composition layer:
// Component F of the composition tree. It tracks CLEAN/DEGRADED state,
// replicates writes to both sides, fails reads over to the other side,
// and runs a background resync worker that copies dirty extents from
// the clean side to the dirty one.
package raid1

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ublkraid/ublkraid/bitmap"
	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
	"github.com/ublkraid/ublkraid/superblock"
)

// SectorSize is the fixed addressing unit for UblkDisk methods, matching
// raid0's convention so a composed RAID10 array addresses consistently.
const SectorSize = 512

// RouteBits is the width of a raid1 node's own child selector: one bit,
// A or B.
const RouteBits = 1

// side identifies one of the two mirror legs.
type side uint16

const (
	sideA side = 0
	sideB side = 1
)

func (s side) other() side { return sideA + sideB - s }

// Leg identifies one of the two mirror legs to external callers (the CLI's
// replace subcommand, operational tooling); it is the exported spelling
// of the package-internal side type.
type Leg = side

// DeviceA and DeviceB name the two legs for SwapDevice callers outside
// this package.
const (
	DeviceA Leg = sideA
	DeviceB Leg = sideB
)

// mirror is one leg of the array.
type mirror struct {
	disk        device.UblkDisk
	unavailable atomic.Bool
}

// state is the array's global CLEAN/DEGRADED state, stored atomically.
type state int32

const (
	stateClean state = iota
	stateDegraded
)

// resyncState drives the background resync worker.
type resyncState int32

const (
	resyncIdle resyncState = iota
	resyncActive
	resyncSleeping
	resyncPause
	resyncStopped
)

// Raid1 mirrors I/O across two backing disks.
type Raid1 struct {
	mirrors [2]*mirror

	state     atomic.Int32 // state
	readRoute atomic.Int32 // superblock.ReadRoute
	age       atomic.Uint64
	lastRead  atomic.Uint32

	bitmap    *bitmap.Bitmap
	chunkSize uint64
	reserved  uint64 // reserved bytes at the front of each leg (superblock + bitmap region)

	uuid   uuid.UUID
	params device.Params

	resyncLevel int
	resync      atomic.Int32 // resyncState
	resyncWake  chan struct{}
	resyncDone  chan struct{}

	pending chan device.Completion // synthesized completions drained by CollectAsync

	internal map[subcmd.SubCmd]internalRegion // in-flight optimistic-secondary regions, keyed by tagged sub-command

	mu sync.Mutex // serializes state transitions (become_clean/become_degraded) and age bumps
}

// Options configures a new array.
type Options struct {
	ChunkSize   uint64 // bytes, minimum 32KiB
	ResyncLevel int    // 0-32, extents copied before the worker yields
}

// DefaultOptions returns the spec's minimum chunk size and a middling
// resync throttle.
func DefaultOptions() Options {
	return Options{ChunkSize: 32 * 1024, ResyncLevel: 8}
}

// Open assembles a Raid1 over two legs, reconciling their superblocks
// per spec §4.5.8.
func Open(ctx context.Context, a, b device.UblkDisk, opts Options) (*Raid1, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 32 * 1024
	}
	if opts.ChunkSize < 32*1024 {
		return nil, device.NewError("raid1.open", device.ErrInvalidArgument, fmt.Errorf("chunk size below 32KiB minimum"))
	}
	if !a.Params().DirectIO || !b.Params().DirectIO {
		return nil, device.NewError("raid1.open", device.ErrInvalidArgument, fmt.Errorf("raid1 requires O_DIRECT backing devices"))
	}

	r := &Raid1{
		chunkSize:   opts.ChunkSize,
		resyncLevel: opts.ResyncLevel,
		resyncWake:  make(chan struct{}, 1),
		resyncDone:  make(chan struct{}),
		pending:     make(chan device.Completion, 256),
	}
	r.mirrors[sideA] = &mirror{disk: a}
	r.mirrors[sideB] = &mirror{disk: b}
	r.resync.Store(int32(resyncIdle))

	if err := r.negotiateParams(); err != nil {
		return nil, err
	}
	if err := r.reconcile(ctx); err != nil {
		return nil, err
	}
	if state(r.state.Load()) == stateDegraded {
		r.wakeResync()
	}
	return r, nil
}

func (r *Raid1) negotiateParams() error {
	pa, pb := r.mirrors[sideA].disk.Params(), r.mirrors[sideB].disk.Params()
	devSectors := pa.DevSectors
	if pb.DevSectors < devSectors {
		devSectors = pb.DevSectors
	}
	lbShift := pa.LogicalBSShift
	if pb.LogicalBSShift > lbShift {
		lbShift = pb.LogicalBSShift
	}
	pbShift := pa.PhysicalBSShift
	if pb.PhysicalBSShift > pbShift {
		pbShift = pb.PhysicalBSShift
	}

	capacityBytes := devSectors * SectorSize
	bitmapBits := (capacityBytes + r.chunkSize - 1) / r.chunkSize
	bitmapBytes := (bitmapBits + 7) / 8
	bitmapPages := (bitmapBytes + bitmap.PageBytes - 1) / bitmap.PageBytes
	reserved := uint64(superblock.PageBytes) + bitmapPages*bitmap.PageBytes
	maxSectors := pa.MaxSectors
	if pb.MaxSectors < maxSectors {
		maxSectors = pb.MaxSectors
	}
	if maxSectors == 0 {
		maxSectors = 8192
	}
	align := uint64(maxSectors) * SectorSize
	if align > 0 {
		reserved = ((reserved + align - 1) / align) * align
	}
	r.reserved = reserved

	r.bitmap = bitmap.New(r.chunkSize)
	r.params = device.Params{
		DevSectors:      devSectors - reserved/SectorSize,
		LogicalBSShift:  lbShift,
		PhysicalBSShift: pbShift,
		MaxSectors:      maxSectors,
		DirectIO:        true,
		UsesExternalCompletion: true,
	}
	return nil
}

func (r *Raid1) readSuperblock(ctx context.Context, s side) (superblock.Raid1, bool, error) {
	buf := make([]byte, superblock.PageBytes)
	if _, err := r.mirrors[s].disk.SyncIOV(ctx, subcmd.OpRead, 0, superblock.PageBytes/SectorSize, [][]byte{buf}); err != nil {
		return superblock.Raid1{}, false, device.NewError("raid1.superblock.read", device.ErrIO, err)
	}
	sb, ok, err := superblock.UnmarshalRaid1(buf)
	if err != nil {
		return superblock.Raid1{}, false, device.NewError("raid1.superblock.decode", device.ErrIO, err)
	}
	return sb, ok, nil
}

func (r *Raid1) writeSuperblock(ctx context.Context, s side) error {
	sb := superblock.Raid1{
		Version:      superblock.Raid1Version,
		ArrayUUID:    r.uuid,
		CleanUnmount: false,
		ReadRoute:    superblock.ReadRoute(r.readRoute.Load()),
		DeviceB:      s == sideB,
		ChunkSize:    uint32(r.chunkSize),
		Age:          r.age.Load(),
	}
	copy(sb.SuperBitmapData[:], r.bitmap.SuperBitmap().Data())
	_, err := r.mirrors[s].disk.SyncIOV(ctx, subcmd.OpWrite, 0, superblock.PageBytes/SectorSize, [][]byte{sb.Marshal()})
	if err != nil {
		return device.NewError("raid1.superblock.write", device.ErrIO, err)
	}
	return nil
}

// reconcile implements spec §4.5.8's construction logic.
func (r *Raid1) reconcile(ctx context.Context) error {
	sbA, okA, err := r.readSuperblock(ctx, sideA)
	if err != nil {
		return err
	}
	sbB, okB, err := r.readSuperblock(ctx, sideB)
	if err != nil {
		return err
	}
	newA, newB := !okA, !okB

	switch {
	case newA && newB:
		r.uuid = uuid.New()
		r.age.Store(1)
		r.state.Store(int32(stateClean))
		r.readRoute.Store(int32(superblock.ReadRouteEither))
		return r.flushBothSuperblocks(ctx)

	case newA || newB:
		newSide := sideA
		cleanSB := sbB
		if newB {
			newSide = sideB
			cleanSB = sbA
		}
		r.uuid = cleanSB.ArrayUUID
		r.age.Store(cleanSB.Age + 1)
		r.state.Store(int32(stateDegraded))
		r.readRoute.Store(int32(readRouteFor(newSide.other())))
		r.bitmap.SetAllDirty(r.params.Capacity())
		return r.flushBothSuperblocks(ctx)
	}

	r.uuid = sbA.ArrayUUID
	ageGap := int64(sbA.Age) - int64(sbB.Age)
	if ageGap < 0 {
		ageGap = -ageGap
	}

	if ageGap > 1 {
		fresh := sideB
		freshSB := sbB
		if sbA.Age > sbB.Age {
			fresh = sideA
			freshSB = sbA
		}
		r.age.Store(freshSB.Age + 1)
		r.state.Store(int32(stateDegraded))
		r.readRoute.Store(int32(readRouteFor(fresh)))
		r.bitmap.SetAllDirty(r.params.Capacity())
		return r.flushBothSuperblocks(ctx)
	}

	if !sbA.CleanUnmount || !sbB.CleanUnmount {
		clean := sideA
		if sbB.Age > sbA.Age || (sbB.Age == sbA.Age && sbB.CleanUnmount && !sbA.CleanUnmount) {
			clean = sideB
		}
		r.age.Store(maxU64(sbA.Age, sbB.Age) + 1)
		r.state.Store(int32(stateDegraded))
		r.readRoute.Store(int32(readRouteFor(clean)))
		cleanSB := sbA
		if clean == sideB {
			cleanSB = sbB
		}
		r.bitmap.SuperBitmap().LoadData(cleanSB.SuperBitmapData[:])
		if err := r.bitmap.LoadFrom(ctx, r.mirrors[clean].disk, superblock.PageBytes); err != nil {
			return err
		}
		return r.flushBothSuperblocks(ctx)
	}

	r.age.Store(maxU64(sbA.Age, sbB.Age))
	r.state.Store(int32(stateClean))
	r.readRoute.Store(int32(superblock.ReadRouteEither))
	return nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func readRouteFor(s side) superblock.ReadRoute {
	if s == sideA {
		return superblock.ReadRouteDevA
	}
	return superblock.ReadRouteDevB
}

func (r *Raid1) flushBothSuperblocks(ctx context.Context) error {
	if err := r.writeSuperblock(ctx, sideA); err != nil {
		return err
	}
	return r.writeSuperblock(ctx, sideB)
}

// cleanSide returns the side reads/resync should trust; ok is false only
// when CLEAN (both sides equally trusted).
func (r *Raid1) cleanSide() (s side, ok bool) {
	switch superblock.ReadRoute(r.readRoute.Load()) {
	case superblock.ReadRouteDevA:
		return sideA, true
	case superblock.ReadRouteDevB:
		return sideB, true
	default:
		return sideA, false
	}
}

// Params implements device.UblkDisk.
func (r *Raid1) Params() device.Params { return r.params }

// RouteSize implements device.UblkDisk.
func (r *Raid1) RouteSize() uint { return RouteBits }

// Close implements device.UblkDisk.
func (r *Raid1) Close() error {
	r.stopResync()
	ctx := context.Background()
	if state(r.state.Load()) == stateDegraded {
		if clean, ok := r.cleanSide(); ok {
			_ = r.bitmap.SyncTo(ctx, r.mirrors[clean].disk, superblock.PageBytes)
		}
	}
	r.mu.Lock()
	sbA := superblock.Raid1{Version: superblock.Raid1Version, ArrayUUID: r.uuid, CleanUnmount: true,
		ReadRoute: superblock.ReadRoute(r.readRoute.Load()), ChunkSize: uint32(r.chunkSize), Age: r.age.Load()}
	sbB := sbA
	sbB.DeviceB = true
	copy(sbA.SuperBitmapData[:], r.bitmap.SuperBitmap().Data())
	copy(sbB.SuperBitmapData[:], r.bitmap.SuperBitmap().Data())
	r.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		if _, err := r.mirrors[sideA].disk.SyncIOV(ctx, subcmd.OpWrite, 0, superblock.PageBytes/SectorSize, [][]byte{sbA.Marshal()}); err != nil {
			return err
		}
		return r.mirrors[sideA].disk.Close()
	})
	g.Go(func() error {
		if _, err := r.mirrors[sideB].disk.SyncIOV(ctx, subcmd.OpWrite, 0, superblock.PageBytes/SectorSize, [][]byte{sbB.Marshal()}); err != nil {
			return err
		}
		return r.mirrors[sideB].disk.Close()
	})
	return g.Wait()
}

// IdleTransition implements device.UblkDisk, per Open Question 2 and
// spec §5's literal "idle_transition(enter=false) forces the resync
// thread to observe PAUSE": the data path becoming active again
// (enter=false) pauses the resync worker before its next extent copy;
// the data path going idle (enter=true) wakes it. Confirmed against
// the original's idle_transition, whose `enter=false` branch is the
// one that spins forcing the resync state to PAUSE.
func (r *Raid1) IdleTransition(enter bool) {
	if enter {
		select {
		case r.resyncWake <- struct{}{}:
		default:
		}
		return
	}
	r.resync.CompareAndSwap(int32(resyncActive), int32(resyncPause))
}

// CollectAsync implements device.UblkDisk: synthesized completions from
// async-retry handling and the resync worker, plus anything the legs
// themselves need drained.
func (r *Raid1) CollectAsync() []device.Completion {
	var out []device.Completion
	for {
		select {
		case c := <-r.pending:
			out = append(out, c)
		default:
			out = append(out, r.mirrors[sideA].disk.CollectAsync()...)
			out = append(out, r.mirrors[sideB].disk.CollectAsync()...)
			return out
		}
	}
}

func (r *Raid1) dataOffset(lba uint64, length uint32) (addr, byteLen uint64) {
	return lba*SectorSize + r.reserved, uint64(length) * SectorSize
}
