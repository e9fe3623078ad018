package superblock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRaid0MarshalRoundTrip(t *testing.T) {
	sb := Raid0{
		Version:    Raid0Version,
		ArrayUUID:  uuid.New(),
		StripeOff:  1,
		StripeSize: 64 * 1024,
	}
	buf := sb.Marshal()
	require.Len(t, buf, PageBytes)

	got, ok, err := UnmarshalRaid0(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sb, got)
}

func TestRaid0UnmarshalRejectsBadMagic(t *testing.T) {
	buf := make([]byte, PageBytes)
	_, ok, err := UnmarshalRaid0(buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRaid1MarshalRoundTrip(t *testing.T) {
	sb := Raid1{
		Version:      Raid1Version,
		ArrayUUID:    uuid.New(),
		CleanUnmount: true,
		ReadRoute:    ReadRouteDevB,
		DeviceB:      true,
		ChunkSize:    32 * 1024,
		Age:          7,
	}
	sb.SuperBitmapData[0] = 0xAB

	buf := sb.Marshal()
	require.Len(t, buf, PageBytes)

	got, ok, err := UnmarshalRaid1(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sb, got)
}

func TestReconcileBothNew(t *testing.T) {
	r := Reconcile(Raid1{}, Raid1{}, true, true)
	require.False(t, r.Degraded)
	require.Equal(t, ReadRouteEither, r.ReadRoute)
}

func TestReconcileAgeGapDegrades(t *testing.T) {
	a := Raid1{Age: 10}
	b := Raid1{Age: 4}
	r := Reconcile(a, b, false, false)
	require.True(t, r.Degraded)
	require.Equal(t, 0, r.Clean)
	require.Equal(t, ReadRouteDevA, r.ReadRoute)
}

func TestReconcileMatchingAgeStaysClean(t *testing.T) {
	a := Raid1{Age: 5, CleanUnmount: true}
	b := Raid1{Age: 5, CleanUnmount: true}
	r := Reconcile(a, b, false, false)
	require.False(t, r.Degraded)
	require.Equal(t, ReadRouteEither, r.ReadRoute)
}
