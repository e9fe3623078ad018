package raid0

import "errors"

var (
	errSingleIOVec = errors.New("raid0: queue_io accepts exactly one iovec")
	errSyncFailed  = errors.New("raid0: sub-command failed")
)
