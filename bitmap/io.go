package bitmap

import (
	"context"

	"github.com/ublkraid/ublkraid/device"
	"github.com/ublkraid/ublkraid/subcmd"
)

// InitTo writes an all-clear bitmap (every page, every word zero) to disk
// at byteOffset on disk, for a side that is known to need a full resync
// and whose on-disk bitmap region may hold stale data.
func (b *Bitmap) InitTo(ctx context.Context, disk device.UblkDisk, byteOffset uint64) error {
	b.mu.Lock()
	b.pages = make(map[uint64]*page)
	b.mu.Unlock()
	b.super.ClearAll()
	zero := make([]byte, PageBytes)
	n := int(b.super.NumPages())
	for pg := 0; pg < n && pg < maxBitmapPagesOnDisk; pg++ {
		off := byteOffset + uint64(pg)*PageBytes
		if _, err := disk.SyncIOV(ctx, subcmd.OpWrite, off/uint64(disk.Params().BlockSize()), uint32(PageBytes/int(disk.Params().BlockSize())), [][]byte{zero}); err != nil {
			return device.NewError("bitmap.init_to", device.ErrIO, err)
		}
	}
	return nil
}

// LoadFrom reads the on-disk bitmap region at byteOffset into memory,
// consulting the SuperBitmap fast index (already loaded from the
// superblock) to skip pages known to be entirely clean.
func (b *Bitmap) LoadFrom(ctx context.Context, disk device.UblkDisk, byteOffset uint64) error {
	bs := disk.Params().BlockSize()
	dirty := b.super.DirtySet()
	for _, pg := range dirty {
		if pg >= maxBitmapPagesOnDisk {
			continue
		}
		buf := make([]byte, PageBytes)
		off := byteOffset + pg*PageBytes
		if _, err := disk.SyncIOV(ctx, subcmd.OpRead, off/uint64(bs), uint32(PageBytes/int(bs)), [][]byte{buf}); err != nil {
			return device.NewError("bitmap.load_from", device.ErrIO, err)
		}
		p := b.getPage(pg)
		for i := 0; i < wordsPerPage; i++ {
			var w uint64
			for j := 0; j < 8; j++ {
				w |= uint64(buf[i*8+j]) << (56 - 8*j)
			}
			p.words[i] = w
		}
		p.loadedFromDB = true
	}
	return nil
}

// SyncTo writes every dirty bitmap page back to disk at byteOffset,
// using the SuperBitmap fast index to skip pages with nothing dirty.
func (b *Bitmap) SyncTo(ctx context.Context, disk device.UblkDisk, byteOffset uint64) error {
	bs := disk.Params().BlockSize()
	dirty := b.super.DirtySet()
	for _, pg := range dirty {
		if pg >= maxBitmapPagesOnDisk {
			continue
		}
		p := b.getPage(pg)
		buf := make([]byte, PageBytes)
		for i := 0; i < wordsPerPage; i++ {
			w := p.words[i]
			for j := 0; j < 8; j++ {
				buf[i*8+j] = byte(w >> (56 - 8*j))
			}
		}
		off := byteOffset + pg*PageBytes
		if _, err := disk.SyncIOV(ctx, subcmd.OpWrite, off/uint64(bs), uint32(PageBytes/int(bs)), [][]byte{buf}); err != nil {
			return device.NewError("bitmap.sync_to", device.ErrIO, err)
		}
	}
	return nil
}

// maxBitmapPagesOnDisk bounds how many bitmap pages the SuperBitmap's
// reserved region can address (one bit per page).
const maxBitmapPagesOnDisk = superBitmapBits
