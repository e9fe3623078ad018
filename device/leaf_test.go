package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ublkraid/ublkraid/subcmd"
)

// memBackend is a minimal LeafBackend for exercising Leaf in isolation.
type memBackend struct {
	data    []byte
	flushed int
	closed  bool
}

func newMemBackend(size int64) *memBackend { return &memBackend{data: make([]byte, size)} }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}
func (m *memBackend) Size() int64 { return int64(len(m.data)) }
func (m *memBackend) Close() error {
	m.closed = true
	return nil
}
func (m *memBackend) Flush() error {
	m.flushed++
	return nil
}
func (m *memBackend) Discard(offset, length int64) error {
	for i := offset; i < offset+length; i++ {
		m.data[i] = 0
	}
	return nil
}

func TestLeafWriteReadRoundTrip(t *testing.T) {
	backend := newMemBackend(64 * SectorSize)
	leaf := NewLeaf(backend, 9, 9, 1024, true)

	want := make([]byte, SectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	_, err := leaf.SyncIOV(context.Background(), subcmd.OpWrite, 4, 1, [][]byte{want})
	require.NoError(t, err)

	got := make([]byte, SectorSize)
	_, err = leaf.SyncIOV(context.Background(), subcmd.OpRead, 4, 1, [][]byte{got})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLeafQueueIOCompletesInline(t *testing.T) {
	backend := newMemBackend(64 * SectorSize)
	leaf := NewLeaf(backend, 9, 9, 1024, false)

	done := make(chan Completion, 1)
	err := leaf.QueueIO(context.Background(), 7, subcmd.OpFlush, 0, 0, nil, func(c Completion) { done <- c })
	require.NoError(t, err)
	require.Equal(t, 1, backend.flushed)

	c := <-done
	require.Equal(t, subcmd.SubCmd(7), c.Sub)
	require.GreaterOrEqual(t, c.Result, int32(0))
}

func TestLeafDiscardRequiresBackendSupport(t *testing.T) {
	leaf := NewLeaf(newMemBackend(64*SectorSize), 9, 9, 1024, true)
	require.True(t, leaf.Params().CanDiscard())

	_, err := leaf.SyncIOV(context.Background(), subcmd.OpDiscard, 0, 4, nil)
	require.NoError(t, err)
}

func TestLeafParamsReportsCapacity(t *testing.T) {
	leaf := NewLeaf(newMemBackend(128*SectorSize), 9, 12, 256, true)
	require.Equal(t, uint64(128), leaf.Params().DevSectors)
	require.EqualValues(t, 512, leaf.Params().BlockSize())
	require.Zero(t, leaf.RouteSize())
}

func TestLeafCloseClosesBackend(t *testing.T) {
	backend := newMemBackend(SectorSize)
	leaf := NewLeaf(backend, 9, 9, 1, true)
	require.NoError(t, leaf.Close())
	require.True(t, backend.closed)
}
