package raid0

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
)

// memChild is a minimal in-memory device.UblkDisk used only to exercise
// raid0's splitting/retry logic in isolation.
type memChild struct {
	mu   sync.Mutex
	data []byte
}

func newMemChild(sectors uint64) *memChild {
	return &memChild{data: make([]byte, sectors*SectorSize)}
}

func (m *memChild) Params() device.Params {
	return device.Params{DevSectors: uint64(len(m.data)) / SectorSize, LogicalBSShift: 9, DirectIO: true}
}
func (m *memChild) RouteSize() uint { return 0 }
func (m *memChild) Close() error    { return nil }
func (m *memChild) IdleTransition(bool) {}
func (m *memChild) CollectAsync() []device.Completion { return nil }
func (m *memChild) HandleInternal(device.Completion)  {}

func (m *memChild) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	m.mu.Lock()
	off := lba * SectorSize
	n := uint64(length) * SectorSize
	switch op {
	case subcmd.OpWrite:
		copy(m.data[off:off+n], iovecs[0])
	case subcmd.OpRead:
		copy(iovecs[0], m.data[off:off+n])
	}
	m.mu.Unlock()
	complete(device.Completion{Sub: sub, Result: int32(n)})
	return nil
}

func (m *memChild) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	done := make(chan device.Completion, 1)
	_ = m.QueueIO(ctx, 0, op, lba, length, iovecs, func(c device.Completion) { done <- c })
	c := <-done
	return int(c.Result), nil
}

func newTestArray(t *testing.T, n int, stripeSize uint64) *Raid0 {
	t.Helper()
	children := make([]device.UblkDisk, n)
	for i := range children {
		children[i] = newMemChild(2048) // 1MiB per child
	}
	r, err := Open(context.Background(), children, stripeSize)
	require.NoError(t, err)
	return r
}

func TestOpenRejectsTooManyStripes(t *testing.T) {
	children := make([]device.UblkDisk, MaxStripes+1)
	for i := range children {
		children[i] = newMemChild(2048)
	}
	_, err := Open(context.Background(), children, 64*1024)
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newTestArray(t, 4, 64*1024)
	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i)
	}

	_, err := r.SyncIOV(context.Background(), subcmd.OpWrite, 0, uint32(len(data)/SectorSize), [][]byte{data})
	require.NoError(t, err)

	out := make([]byte, len(data))
	_, err = r.SyncIOV(context.Background(), subcmd.OpRead, 0, uint32(len(out)/SectorSize), [][]byte{out})
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestSplitCoversWholeRange(t *testing.T) {
	r := newTestArray(t, 4, 64*1024)
	extents := r.split(r.strideWidth, 256*1024) // already offset past the reserved stripe
	var total uint64
	for _, ex := range extents {
		total += ex.bufLen
	}
	require.Equal(t, uint64(256*1024), total)
	// four stripes of 64KiB exactly covers one pass across all devices
	require.Len(t, extents, 4)
}

func TestFlushFansOutToEveryChild(t *testing.T) {
	r := newTestArray(t, 3, 64*1024)
	n, err := r.SyncIOV(context.Background(), subcmd.OpFlush, 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

// countingChild wraps a memChild, failing the first write it sees (then
// behaving normally) and counting how many sub-commands route to it, so a
// retry-isolation test can assert only the originally-routed stripe is
// re-driven.
type countingChild struct {
	*memChild
	mu       sync.Mutex
	writes   int
	failOnce bool
	didFail  bool
}

func (c *countingChild) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	c.mu.Lock()
	c.writes++
	shouldFail := c.failOnce && !c.didFail && op == subcmd.OpWrite
	if shouldFail {
		c.didFail = true
	}
	c.mu.Unlock()
	if shouldFail {
		complete(device.Completion{Sub: sub, Result: -1})
		return nil
	}
	return c.memChild.QueueIO(ctx, sub, op, lba, length, iovecs, complete)
}

// TestRetryIsolatesToOriginallyRoutedStripe exercises spec §8 scenario 2: a
// write spanning multiple stripes whose first attempt fails on exactly one
// device must, on retry, re-drive only that device's extent(s) — never
// device 0 by default, and never every device.
func TestRetryIsolatesToOriginallyRoutedStripe(t *testing.T) {
	children := make([]device.UblkDisk, 3)
	counting := make([]*countingChild, 3)
	for i := range children {
		cc := &countingChild{memChild: newMemChild(2048)}
		counting[i] = cc
		children[i] = cc
	}
	// Fail only on the last device, never the first, so a bug that
	// hardcodes retries to device 0 is caught.
	counting[2].failOnce = true

	r, err := Open(context.Background(), children, 32*1024)
	require.NoError(t, err)

	// 96KiB write at virtual offset 36KiB: with a 32KiB stripe and 3
	// devices this spans a wraparound, touching device 2 (and others)
	// more than once.
	data := make([]byte, 96*1024)
	for i := range data {
		data[i] = byte(i)
	}
	addr := r.strideWidth + 36*1024
	extents := r.split(addr, uint64(len(data)))

	var wantFailedDevice uint16 = 2
	var sawFailedDevice bool
	for _, ex := range extents {
		if ex.device == wantFailedDevice {
			sawFailedDevice = true
		}
	}
	require.True(t, sawFailedDevice, "test layout must actually route through device 2")

	a := device.NewAdapter(context.Background(), r)
	n, err := a.WriteAt(data, 36*1024)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	for i, cc := range counting {
		if uint16(i) == wantFailedDevice {
			continue
		}
		require.Equal(t, 1, cc.writes, "device %d should see exactly its initial write, no retry", i)
	}
	require.GreaterOrEqual(t, counting[wantFailedDevice].writes, 2, "failed device must be re-driven by the retry")
}
