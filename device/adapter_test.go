package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ublkraid/ublkraid/subcmd"
)

// flakyDisk fails its first attempt at any op and succeeds on any retry
// (a SubCmd with FlagRetried set), to exercise Adapter's retry-once path.
type flakyDisk struct {
	params  Params
	attempt int
}

func (d *flakyDisk) Params() Params   { return d.params }
func (d *flakyDisk) RouteSize() uint  { return 0 }
func (d *flakyDisk) Close() error     { return nil }
func (d *flakyDisk) IdleTransition(bool)          {}
func (d *flakyDisk) CollectAsync() []Completion   { return nil }
func (d *flakyDisk) HandleInternal(c Completion)  {}

func (d *flakyDisk) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete CompletionFunc) error {
	d.attempt++
	if subcmd.TestFlags(sub, subcmd.FlagRetried) {
		complete(Completion{Sub: sub, Result: int32(length) * SectorSize})
		return nil
	}
	complete(Completion{Sub: sub, Result: -1})
	return nil
}

func (d *flakyDisk) SyncIOV(ctx context.Context, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte) (int, error) {
	return 0, nil
}

// alwaysFailDisk fails every attempt regardless of retry flag.
type alwaysFailDisk struct{ flakyDisk }

func (d *alwaysFailDisk) QueueIO(ctx context.Context, sub subcmd.SubCmd, op subcmd.Op, lba uint64, length uint32, iovecs [][]byte, complete CompletionFunc) error {
	d.attempt++
	complete(Completion{Sub: sub, Result: -1})
	return nil
}

func TestAdapterRetriesOnceThenSucceeds(t *testing.T) {
	disk := &flakyDisk{params: Params{DevSectors: 2048, LogicalBSShift: 9}}
	a := NewAdapter(context.Background(), disk)

	buf := make([]byte, SectorSize)
	n, err := a.WriteAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, SectorSize, n)
	require.Equal(t, 2, disk.attempt)
}

func TestAdapterFailsAfterExhaustingRetry(t *testing.T) {
	disk := &alwaysFailDisk{}
	disk.params = Params{DevSectors: 2048, LogicalBSShift: 9}
	a := NewAdapter(context.Background(), disk)

	buf := make([]byte, SectorSize)
	_, err := a.WriteAt(buf, 0)
	require.Error(t, err)
	require.Equal(t, 2, disk.attempt)
}

func TestAdapterSizeReflectsDiskCapacity(t *testing.T) {
	disk := &flakyDisk{params: Params{DevSectors: 1024, LogicalBSShift: 9}}
	a := NewAdapter(context.Background(), disk)
	require.EqualValues(t, 1024*SectorSize, a.Size())
}

func TestAdapterZeroLengthIsNoop(t *testing.T) {
	disk := &flakyDisk{params: Params{DevSectors: 1024, LogicalBSShift: 9}}
	a := NewAdapter(context.Background(), disk)
	n, err := a.WriteAt(nil, 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, disk.attempt)
}
