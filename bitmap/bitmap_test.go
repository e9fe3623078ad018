package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirtyCleanRoundTrip(t *testing.T) {
	b := New(32 * 1024)
	require.False(t, b.IsDirty(0, 32*1024))

	b.DirtyRegion(0, 64*1024)
	require.True(t, b.IsDirty(0, 32*1024))
	require.True(t, b.IsDirty(32*1024, 32*1024))
	require.False(t, b.IsDirty(64*1024, 32*1024))

	b.CleanRegion(0, 32*1024)
	require.False(t, b.IsDirty(0, 32*1024))
	require.True(t, b.IsDirty(32*1024, 32*1024))
}

func TestNextDirtySkipsCleanPages(t *testing.T) {
	b := New(32 * 1024)
	farOffset := uint64(3) * b.pageWidthBytes() // well into the third bitmap page
	b.DirtyRegion(farOffset, 32*1024)

	off, ok := b.NextDirty(0)
	require.True(t, ok)
	require.Equal(t, farOffset, off)
}

func TestSuperBitmapTracksDirtyPages(t *testing.T) {
	b := New(32 * 1024)
	b.DirtyRegion(0, 32*1024)
	require.Contains(t, b.SuperBitmap().DirtySet(), uint64(0))

	b.CleanRegion(0, 32*1024)
	require.NotContains(t, b.SuperBitmap().DirtySet(), uint64(0))
}

func TestSuperBitmapDataRoundTrip(t *testing.T) {
	s := NewSuperBitmap()
	s.SetBit(3)
	s.SetBit(200)

	data := s.Data()
	s2 := NewSuperBitmap()
	s2.LoadData(data)

	require.True(t, s2.TestBit(3))
	require.True(t, s2.TestBit(200))
	require.False(t, s2.TestBit(4))
}

func TestSetAllDirtyMarksEverything(t *testing.T) {
	b := New(32 * 1024)
	b.SetAllDirty(10 * 32 * 1024)
	for i := uint64(0); i < 10; i++ {
		require.True(t, b.IsDirty(i*32*1024, 32*1024))
	}
}
