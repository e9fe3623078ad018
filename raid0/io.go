package raid0

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
)

// QueueIO implements device.UblkDisk. It fans a request out across
// however many stripes it touches, tagging each sub-command with its
// stripe index in the low RouteBits bits so a retried sub-command can be
// routed back to the same child without re-splitting.
func (r *Raid0) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	switch op {
	case subcmd.OpFlush:
		return r.queueFlush(ctx, sub, complete)
	case subcmd.OpDiscard, subcmd.OpWriteZeroes:
		return r.queueDiscard(ctx, sub, lba, length, complete)
	default:
		return r.queueData(ctx, sub, op, lba, length, iovecs, complete)
	}
}

func (r *Raid0) addrFor(lba uint64, length uint32) (addr, byteLen uint64) {
	addr = lba*SectorSize + r.strideWidth
	byteLen = uint64(length) * SectorSize
	return
}

func (r *Raid0) queueData(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	if len(iovecs) != 1 {
		return device.NewError("raid0.queue_io", device.ErrInvalidArgument, errSingleIOVec)
	}
	addr, byteLen := r.addrFor(lba, length)
	extents := r.split(addr, byteLen)
	retry := subcmd.IsRetry(sub)

	var wg sync.WaitGroup
	var aggregate int32
	var failed int32
	var mu sync.Mutex
	var failedSub subcmd.SubCmd
	var hasFailedSub bool
	var matched bool

	for _, ex := range extents {
		if retry {
			want := subcmd.ChildIndex(sub, RouteBits, r.childRouteBits())
			if want != ex.device {
				continue
			}
		}
		matched = true
		childSub := sub
		if !retry {
			childSub = subcmd.DispatchChild(sub, RouteBits, ex.device)
		}
		child := r.children[ex.device]
		iov := sliceIOVecs(iovecs, ex.bufOff, ex.bufLen)

		wg.Add(1)
		bytesExpected := ex.bufLen
		cs := childSub
		err := child.QueueIO(ctx, childSub, op, ex.localSector, ex.sectors, iov, func(c device.Completion) {
			defer wg.Done()
			if c.Result < 0 {
				atomic.StoreInt32(&failed, 1)
				mu.Lock()
				if !hasFailedSub {
					failedSub, hasFailedSub = cs, true
				}
				mu.Unlock()
			} else {
				atomic.AddInt32(&aggregate, int32(bytesExpected))
			}
		})
		if err != nil {
			wg.Done()
			return err
		}
	}

	if !matched {
		complete(device.Completion{Sub: sub, Result: 0})
		return nil
	}

	// A single retried sub-command may still fan out to more than one
	// extent on the same stripe (a wrapped request can touch one device
	// twice, spec §8 scenario 2): wait for every matching extent and
	// report one aggregate completion, the same as the initial dispatch,
	// so the caller never sees more than one completion per sub-command.
	go func() {
		wg.Wait()
		result := atomic.LoadInt32(&aggregate)
		reportSub := sub
		if atomic.LoadInt32(&failed) != 0 {
			result = -1
			mu.Lock()
			reportSub = failedSub
			mu.Unlock()
		}
		complete(device.Completion{Sub: reportSub, Result: result})
	}()
	return nil
}

func (r *Raid0) queueDiscard(ctx context.Context, sub subcmd.SubCmd, lba uint64, length uint32, complete device.CompletionFunc) error {
	addr, byteLen := r.addrFor(lba, length)
	extents := r.split(addr, byteLen)
	retry := subcmd.IsRetry(sub)

	merged := map[uint16]*subExtent{}
	var order []uint16
	for _, ex := range extents {
		ex := ex
		if m, ok := merged[ex.device]; ok {
			m.sectors += ex.sectors
			continue
		}
		merged[ex.device] = &ex
		order = append(order, ex.device)
	}

	var wg sync.WaitGroup
	var failed int32
	var mu sync.Mutex
	var failedSub subcmd.SubCmd
	var hasFailedSub bool
	var matched bool
	for _, idx := range order {
		ex := merged[idx]
		if retry {
			want := subcmd.ChildIndex(sub, RouteBits, r.childRouteBits())
			if want != ex.device {
				continue
			}
		}
		matched = true
		childSub := sub
		if !retry {
			childSub = subcmd.DispatchChild(sub, RouteBits, ex.device)
		}
		child := r.children[ex.device]
		wg.Add(1)
		cs := childSub
		err := child.QueueIO(ctx, childSub, subcmd.OpDiscard, ex.localSector, ex.sectors, nil, func(c device.Completion) {
			defer wg.Done()
			if c.Result < 0 {
				atomic.StoreInt32(&failed, 1)
				mu.Lock()
				if !hasFailedSub {
					failedSub, hasFailedSub = cs, true
				}
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			return err
		}
	}

	if !matched {
		complete(device.Completion{Sub: sub, Result: 0})
		return nil
	}

	go func() {
		wg.Wait()
		result := int32(0)
		reportSub := sub
		if atomic.LoadInt32(&failed) != 0 {
			result = -1
			mu.Lock()
			reportSub = failedSub
			mu.Unlock()
		}
		complete(device.Completion{Sub: reportSub, Result: result})
	}()
	return nil
}

func (r *Raid0) queueFlush(ctx context.Context, sub subcmd.SubCmd, complete device.CompletionFunc) error {
	retry := subcmd.IsRetry(sub)
	var wg sync.WaitGroup
	var failed int32
	var aggregate int32
	var mu sync.Mutex
	var failedSub subcmd.SubCmd
	var hasFailedSub bool
	var matched bool

	for i, child := range r.children {
		idx := uint16(i)
		if retry {
			if subcmd.ChildIndex(sub, RouteBits, r.childRouteBits()) != idx {
				continue
			}
		}
		matched = true
		childSub := sub
		if !retry {
			childSub = subcmd.DispatchChild(sub, RouteBits, idx)
		}
		wg.Add(1)
		cs := childSub
		err := child.QueueIO(ctx, childSub, subcmd.OpFlush, 0, 0, nil, func(c device.Completion) {
			defer wg.Done()
			if c.Result < 0 {
				atomic.StoreInt32(&failed, 1)
				mu.Lock()
				if !hasFailedSub {
					failedSub, hasFailedSub = cs, true
				}
				mu.Unlock()
			} else {
				atomic.AddInt32(&aggregate, 1)
			}
		})
		if err != nil {
			wg.Done()
			return err
		}
	}

	if !matched {
		complete(device.Completion{Sub: sub, Result: 0})
		return nil
	}

	go func() {
		wg.Wait()
		result := atomic.LoadInt32(&aggregate)
		reportSub := sub
		if atomic.LoadInt32(&failed) != 0 {
			result = -1
			mu.Lock()
			reportSub = failedSub
			mu.Unlock()
		}
		complete(device.Completion{Sub: reportSub, Result: result})
	}()
	return nil
}

// SyncIOV implements device.UblkDisk for control-path I/O (the target
// runtime's own reads never go through the guest queue, e.g. probing
// geometry); it blocks on the same split/fan-out logic as QueueIO.
func (r *Raid0) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	done := make(chan device.Completion, 1)
	err := r.QueueIO(ctx, 0, op, lba, length, iovecs, func(c device.Completion) { done <- c })
	if err != nil {
		return 0, err
	}
	select {
	case c := <-done:
		if c.Result < 0 {
			return 0, device.NewError("raid0.sync_iov", device.ErrIO, errSyncFailed)
		}
		return int(c.Result), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
