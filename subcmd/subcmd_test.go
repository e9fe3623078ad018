package subcmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagsRoundTrip(t *testing.T) {
	var sub SubCmd
	sub = SetFlags(sub, FlagReplicate, FlagInternal)
	require.True(t, TestFlags(sub, FlagReplicate))
	require.True(t, IsReplicate(sub))
	require.True(t, IsInternal(sub))
	require.False(t, IsRetry(sub))

	sub = UnsetFlags(sub, FlagReplicate)
	require.False(t, IsReplicate(sub))
	require.True(t, IsInternal(sub))
}

func TestShiftRoutePreservesFlagsAndAncestors(t *testing.T) {
	var sub SubCmd
	sub = DispatchChild(sub, 4, 5) // stripe 5 of a raid0, leaf children
	sub = SetFlags(sub, FlagRetried)

	// A flagged sub-command is never re-shifted; ChildIndex must recover
	// the original stripe without needing another ShiftRoute call.
	require.Equal(t, uint16(5), ChildIndex(sub, 4, 0))
	require.True(t, IsRetry(sub))
}

func TestNestedDispatchRaid10(t *testing.T) {
	// raid0 (RouteBits=4) over raid1 (RouteBits=1): stripe 3, mirror side B.
	var sub SubCmd
	sub = DispatchChild(sub, 4, 3) // raid0 reserves its own 4 bits for the stripe index
	sub = DispatchChild(sub, 1, 1) // raid1 writes its own selector beneath

	require.Equal(t, uint16(1), ChildIndex(sub, 1, 0)) // raid1 recovers side B
	require.Equal(t, uint16(3), ChildIndex(sub, 4, 1)) // raid0 recovers stripe 3 above raid1's own bit
}

func TestBuildTag(t *testing.T) {
	tag := BuildTag(42, OpWrite, SubCmd(0x1234))
	require.Equal(t, uint16(42), tag.ReqTag())
	require.Equal(t, OpWrite, tag.Op())
	require.Equal(t, SubCmd(0x1234), tag.Route())
	require.True(t, tag.IsTarget())

	tag2 := tag.WithRoute(SubCmd(0x5678))
	require.Equal(t, uint16(42), tag2.ReqTag())
	require.Equal(t, SubCmd(0x5678), tag2.Route())
}
