package main

import (
	"fmt"

	"github.com/ublkraid/ublkraid/backend"
	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/internal/constants"
)

// legSpec describes one backing leg requested on the command line:
// either a real file/block device path, or a size for an in-memory leg
// used for demos and tests that don't need persistence across runs.
type legSpec struct {
	path string // empty means in-memory
	size int64
}

// openLeg builds the backend for one leg and wraps it as a device.Leaf.
// A memory leg always reports DirectIO true: it has no page cache to
// bypass, and raid1.Open requires every leg to advertise it.
func openLeg(spec legSpec, direct bool) (*device.Leaf, error) {
	var lb device.LeafBackend
	directIO := direct
	if spec.path == "" {
		if spec.size <= 0 {
			return nil, fmt.Errorf("in-memory leg requires a positive size")
		}
		lb = backend.NewMemory(spec.size)
		directIO = true
	} else {
		f, err := backend.OpenFile(spec.path, direct)
		if err != nil {
			return nil, err
		}
		lb = f
	}
	return device.NewLeaf(lb, uint8(logShift(constants.DefaultLogicalBlockSize)), uint8(logShift(constants.DefaultLogicalBlockSize)), uint32(constants.DefaultMaxIOSize/constants.DefaultLogicalBlockSize), directIO), nil
}

func logShift(n int) int {
	shift := 0
	for (1 << shift) < n {
		shift++
	}
	return shift
}
