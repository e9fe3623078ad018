package superblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PageBytes is the fixed on-disk superblock page size, shared by raid0
// and raid1.
const PageBytes = 4096

// Raid1Magic is the 16-byte magic stamped at offset 0 of a raid1 mirror
// device's superblock page.
var Raid1Magic = [16]byte{
	0x53, 0x25, 0xFF, 0x0A, 0x34, 0x99, 0x3E, 0xC5,
	0x67, 0x3A, 0xC8, 0x17, 0x49, 0xAE, 0x1B, 0x64,
}

// Raid1Version is the current raid1 on-disk format version.
const Raid1Version uint16 = 1

// ReadRoute records which mirror side reads should prefer, independent
// of the degraded/clean state: EITHER when both sides are trusted,
// DevA/DevB when the array is degraded and must pin reads to the clean
// side.
type ReadRoute uint8

const (
	ReadRouteEither ReadRoute = iota
	ReadRouteDevA
	ReadRouteDevB
)

// Raid1 is the superblock stored at page 0 of every raid1 mirror device.
type Raid1 struct {
	Version      uint16
	ArrayUUID    uuid.UUID
	CleanUnmount bool
	ReadRoute    ReadRoute
	// DeviceB is true when this page belongs to the side last assigned
	// slot B; used to detect and fix a swapped mount order.
	DeviceB   bool
	BitmapUUID [16]byte
	ChunkSize uint32
	// Age strictly increases on every clean<->degraded transition;
	// reconciliation trusts whichever side has the higher age.
	Age uint64
	// SuperBitmapData is the raw on-disk bytes of the fast per-page
	// dirty index (bitmap.SuperBitmap.Data()/LoadData()).
	SuperBitmapData [SuperBitmapReserved]byte
}

// SuperBitmapReserved is the size of the reserved region holding the fast
// per-bitmap-page dirty index (spec §6.2's superbitmap_reserved[4022]).
const SuperBitmapReserved = 4022

// Marshal encodes s into a 4096-byte page.
func (s Raid1) Marshal() []byte {
	buf := make([]byte, PageBytes)
	copy(buf[0:16], Raid1Magic[:])
	binary.BigEndian.PutUint16(buf[16:18], s.Version)
	copy(buf[18:34], s.ArrayUUID[:])

	var bf byte
	if s.CleanUnmount {
		bf |= 1 << 7
	}
	bf |= byte(s.ReadRoute&0x3) << 5
	if s.DeviceB {
		bf |= 1 << 4
	}
	buf[34] = bf

	copy(buf[35:51], s.BitmapUUID[:])
	binary.BigEndian.PutUint32(buf[51:55], s.ChunkSize)
	binary.BigEndian.PutUint64(buf[55:63], s.Age)
	copy(buf[63:63+SuperBitmapReserved], s.SuperBitmapData[:])
	return buf
}

// UnmarshalRaid1 decodes a raid1 superblock page, returning ok=false if
// the magic doesn't match (i.e. the device has never been formatted).
func UnmarshalRaid1(buf []byte) (sb Raid1, ok bool, err error) {
	if len(buf) < PageBytes {
		return Raid1{}, false, fmt.Errorf("superblock: short read (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[0:16], Raid1Magic[:]) {
		return Raid1{}, false, nil
	}
	sb.Version = binary.BigEndian.Uint16(buf[16:18])
	copy(sb.ArrayUUID[:], buf[18:34])

	bf := buf[34]
	sb.CleanUnmount = bf&(1<<7) != 0
	sb.ReadRoute = ReadRoute((bf >> 5) & 0x3)
	sb.DeviceB = bf&(1<<4) != 0

	copy(sb.BitmapUUID[:], buf[35:51])
	sb.ChunkSize = binary.BigEndian.Uint32(buf[51:55])
	sb.Age = binary.BigEndian.Uint64(buf[55:63])
	copy(sb.SuperBitmapData[:], buf[63:63+SuperBitmapReserved])

	if sb.Version != Raid1Version {
		return sb, false, fmt.Errorf("superblock: unsupported raid1 version %d", sb.Version)
	}
	return sb, true, nil
}
