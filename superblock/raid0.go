// Package superblock (de)serializes the on-disk superblocks for raid0
// and raid1 arrays, per spec §6.1/§6.2, and the reconciliation helpers
// used when an array is assembled.
package superblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Raid0Magic is the 16-byte magic stamped at offset 0 of a raid0 stripe
// device's superblock page.
var Raid0Magic = [16]byte{
	0x57, 0xE5, 0x3A, 0x89, 0xAC, 0x1B, 0x38, 0x66,
	0x55, 0xFF, 0x84, 0x35, 0x59, 0x50, 0xC6, 0x27,
}

// Raid0Version is the current raid0 on-disk format version.
const Raid0Version uint16 = 1

// Raid0 is the superblock stored at page 0 of every raid0 stripe device.
type Raid0 struct {
	Version    uint16
	ArrayUUID  uuid.UUID
	StripeOff  uint16
	StripeSize uint32
}

// Marshal encodes s into a 4096-byte page.
func (s Raid0) Marshal() []byte {
	buf := make([]byte, PageBytes)
	copy(buf[0:16], Raid0Magic[:])
	binary.BigEndian.PutUint16(buf[16:18], s.Version)
	copy(buf[18:34], s.ArrayUUID[:])
	binary.BigEndian.PutUint16(buf[34:36], s.StripeOff)
	binary.BigEndian.PutUint32(buf[36:40], s.StripeSize)
	return buf
}

// UnmarshalRaid0 decodes a raid0 superblock page, returning ok=false if
// the magic doesn't match (i.e. the device has never been formatted).
func UnmarshalRaid0(buf []byte) (sb Raid0, ok bool, err error) {
	if len(buf) < PageBytes {
		return Raid0{}, false, fmt.Errorf("superblock: short read (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[0:16], Raid0Magic[:]) {
		return Raid0{}, false, nil
	}
	sb.Version = binary.BigEndian.Uint16(buf[16:18])
	copy(sb.ArrayUUID[:], buf[18:34])
	sb.StripeOff = binary.BigEndian.Uint16(buf[34:36])
	sb.StripeSize = binary.BigEndian.Uint32(buf[36:40])
	if sb.Version != Raid0Version {
		return sb, false, fmt.Errorf("superblock: unsupported raid0 version %d", sb.Version)
	}
	return sb, true, nil
}
