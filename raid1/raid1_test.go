package raid1

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
)

// memLeg is a minimal in-memory device.UblkDisk used to exercise raid1's
// replication/failover logic in isolation, the same role raid0's
// memChild plays for stripe-splitting tests.
type memLeg struct {
	mu   sync.Mutex
	data []byte
	fail bool // when true, every QueueIO/SyncIOV write fails
}

func newMemLeg(sectors uint64) *memLeg {
	return &memLeg{data: make([]byte, sectors*SectorSize)}
}

func (m *memLeg) Params() device.Params {
	return device.Params{DevSectors: uint64(len(m.data)) / SectorSize, LogicalBSShift: 9, MaxSectors: 256, DirectIO: true}
}
func (m *memLeg) RouteSize() uint { return 0 }
func (m *memLeg) Close() error    { return nil }
func (m *memLeg) IdleTransition(bool)                 {}
func (m *memLeg) CollectAsync() []device.Completion   { return nil }
func (m *memLeg) HandleInternal(device.Completion)    {}

func (m *memLeg) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete device.CompletionFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail && (op == subcmd.OpWrite || op == subcmd.OpRead) {
		complete(device.Completion{Sub: sub, Result: -1})
		return nil
	}
	off := lba * SectorSize
	n := uint64(length) * SectorSize
	switch op {
	case subcmd.OpWrite:
		copy(m.data[off:off+n], iovecs[0])
	case subcmd.OpRead:
		copy(iovecs[0], m.data[off:off+n])
	}
	complete(device.Completion{Sub: sub, Result: int32(n)})
	return nil
}

func (m *memLeg) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	done := make(chan device.Completion, 1)
	_ = m.QueueIO(ctx, 0, op, lba, length, iovecs, func(c device.Completion) { done <- c })
	c := <-done
	if c.Result < 0 {
		return 0, device.NewError("memleg.sync_iov", device.ErrIO, nil)
	}
	return int(c.Result), nil
}

func newTestArray(t *testing.T, legSectors uint64) (*Raid1, *memLeg, *memLeg) {
	t.Helper()
	a := newMemLeg(legSectors)
	b := newMemLeg(legSectors)
	r, err := Open(context.Background(), a, b, DefaultOptions())
	require.NoError(t, err)
	return r, a, b
}

func TestOpenFormatsFreshArray(t *testing.T) {
	r, _, _ := newTestArray(t, 8192)
	require.Greater(t, r.Params().DevSectors, uint64(0))
}

func TestOpenRejectsNonDirectIOLegs(t *testing.T) {
	a := newMemLeg(8192)
	b := newMemLeg(8192)
	b.Params()
	_, err := Open(context.Background(), a, &nonDirectLeg{memLeg: b}, DefaultOptions())
	require.Error(t, err)
}

// nonDirectLeg wraps a memLeg reporting DirectIO=false, to exercise
// Open's O_DIRECT requirement.
type nonDirectLeg struct{ *memLeg }

func (n *nonDirectLeg) Params() device.Params {
	p := n.memLeg.Params()
	p.DirectIO = false
	return p
}

func TestWriteReplicatesToBothLegsWhenClean(t *testing.T) {
	r, a, b := newTestArray(t, 8192)

	data := make([]byte, SectorSize)
	for i := range data {
		data[i] = 0xAB
	}
	_, err := r.SyncIOV(context.Background(), subcmd.OpWrite, 0, 1, [][]byte{data})
	require.NoError(t, err)

	off := r.reserved
	require.Equal(t, data, a.data[off:off+SectorSize])
	require.Equal(t, data, b.data[off:off+SectorSize])
}

func TestReadRoundTrip(t *testing.T) {
	r, _, _ := newTestArray(t, 8192)

	want := make([]byte, SectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	_, err := r.SyncIOV(context.Background(), subcmd.OpWrite, 2, 1, [][]byte{want})
	require.NoError(t, err)

	got := make([]byte, SectorSize)
	_, err = r.SyncIOV(context.Background(), subcmd.OpRead, 2, 1, [][]byte{got})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReplicaStatesReportsCleanByDefault(t *testing.T) {
	r, _, _ := newTestArray(t, 8192)
	states := r.ReplicaStates()
	require.Equal(t, ReplicaClean, states.DeviceA)
	require.Equal(t, ReplicaClean, states.DeviceB)
	require.Zero(t, states.BytesToSync)
}

func TestCloseWritesBothSuperblocks(t *testing.T) {
	r, _, _ := newTestArray(t, 8192)
	require.NoError(t, r.Close())
}

// TestFirstWriteFailureDegradesArray exercises spec §8 scenario 3: a
// write whose primary leg fails must fail over to the other leg, degrade
// the array, and still report success to the guest with the data landed
// on the now-clean leg.
func TestFirstWriteFailureDegradesArray(t *testing.T) {
	r, a, b := newTestArray(t, 8192)

	// The first write's primary is deterministically sideB (lastRead
	// starts at 0, replicate's Add(1)%2 picks side 1). Fail it so the
	// write must fail over to sideA.
	b.fail = true

	data := make([]byte, SectorSize)
	for i := range data {
		data[i] = 0xCD
	}
	n, err := r.SyncIOV(context.Background(), subcmd.OpWrite, 0, 1, [][]byte{data})
	require.NoError(t, err, "failover to the surviving leg must still report success")
	require.Equal(t, len(data), n)

	off := r.reserved
	require.Equal(t, data, a.data[off:off+SectorSize], "data must have landed on the surviving leg")

	states := r.ReplicaStates()
	require.NotEqual(t, ReplicaClean, states.DeviceB, "the failed leg must no longer be reported clean")
	require.Equal(t, ReplicaClean, states.DeviceA, "the surviving leg stays clean")
	require.Greater(t, states.BytesToSync, uint64(0))
}

// TestReadFailoverStaysClean exercises spec §8 scenario 4: a read that
// fails on the chosen leg must fail over to the other leg and succeed,
// without dirtying the bitmap or degrading the array (read failures never
// mark data dirty).
func TestReadFailoverStaysClean(t *testing.T) {
	r, a, _ := newTestArray(t, 8192)

	want := make([]byte, SectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	// This write's primary is sideB (see above), advancing lastRead to 1
	// so the read below picks sideA first.
	_, err := r.SyncIOV(context.Background(), subcmd.OpWrite, 0, 1, [][]byte{want})
	require.NoError(t, err)

	a.fail = true // sideA's read will fail, forcing failover to sideB

	got := make([]byte, SectorSize)
	_, err = r.SyncIOV(context.Background(), subcmd.OpRead, 0, 1, [][]byte{got})
	require.NoError(t, err)
	require.Equal(t, want, got)

	states := r.ReplicaStates()
	require.Equal(t, ReplicaClean, states.DeviceA)
	require.Equal(t, ReplicaClean, states.DeviceB)
	require.Zero(t, states.BytesToSync, "a read failure must never dirty the bitmap")
}

// TestDoubleWriteFailureSurfacesIOError is a regression test for a write
// that fails on both legs: the top-level retry coroutine (device.Adapter)
// must surface an I/O error, never a false success, even though the
// underlying handleAsyncRetry path looks superficially like the
// successful-failover case.
func TestDoubleWriteFailureSurfacesIOError(t *testing.T) {
	r, a, b := newTestArray(t, 8192)
	a.fail = true
	b.fail = true

	adapter := device.NewAdapter(context.Background(), r)
	data := make([]byte, SectorSize)
	_, err := adapter.WriteAt(data, 0)
	require.Error(t, err, "both legs failing must surface an I/O error, not a false success")
}
