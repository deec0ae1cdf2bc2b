// Package simhw stands in for the hardware spec.md §6 abstracts behind the
// platform package: flash, EEPROM, AES, RNG, IRQ, clock, reset and recovery
// entry. It backs each region with a file mmap'd via
// github.com/edsrzf/mmap-go, the way the teacher's dependency pack
// (CircleCashTeam-magiskboot_go, bootimg.go) maps a firmware image for
// in-place patching, and takes an exclusive golang.org/x/sys/unix.Flock on
// each backing file so two processes never drive the same simulated device
// at once.
package simhw

import (
	"errors"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"openenterprise/otacore/platform"
)

// eraseFill is what an erased flash cell reads back as.
const eraseFill = 0xFF

func openMapped(path string, size int64, fill byte) (*os.File, mmap.MMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, nil, errors.New("simhw: " + path + " is locked by another instance: " + err.Error())
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, nil, err
		}
		if info.Size() == 0 {
			buf := make([]byte, size)
			for i := range buf {
				buf[i] = fill
			}
			if _, err := f.WriteAt(buf, 0); err != nil {
				f.Close()
				return nil, nil, err
			}
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, m, nil
}

func closeMapped(f *os.File, m mmap.MMap) error {
	err1 := m.Unmap()
	err2 := f.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// FlashDevice is a file-backed implementation of platform.Flash covering
// both application banks in one flat address space.
type FlashDevice struct {
	file *os.File
	m    mmap.MMap
}

// OpenFlash creates (if needed) and mmaps path, sized to cover addresses 0
// up to the end of the higher of the two bank windows, and flocks it for
// exclusive access.
func OpenFlash(path string, geo platform.Geometry) (*FlashDevice, error) {
	top := geo.BankAEntry
	if geo.BankBEntry > top {
		top = geo.BankBEntry
	}
	size := int64(top) + int64(geo.BankSize)
	f, m, err := openMapped(path, size, eraseFill)
	if err != nil {
		return nil, err
	}
	return &FlashDevice{file: f, m: m}, nil
}

// Close unmaps and closes (and so unlocks) the backing file.
func (d *FlashDevice) Close() error { return closeMapped(d.file, d.m) }

// Read implements platform.Flash.
func (d *FlashDevice) Read(addr uint32, dst []byte) error {
	if uint64(addr)+uint64(len(dst)) > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	copy(dst, d.m[addr:])
	return nil
}

// Program implements platform.Flash. Real NOR flash can only clear bits
// within an erased region, not set them; this simulator enforces the same
// rule so a program-without-erase bug fails here the way it would on
// hardware.
func (d *FlashDevice) Program(addr uint32, src []byte) error {
	if uint64(addr)+uint64(len(src)) > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	region := d.m[addr : addr+uint32(len(src))]
	for i, b := range src {
		region[i] &= b
	}
	return d.m.Flush()
}

// Erase implements platform.Flash: fills the region with eraseFill.
func (d *FlashDevice) Erase(addr uint32, length uint32) error {
	if uint64(addr)+uint64(length) > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	region := d.m[addr : addr+length]
	for i := range region {
		region[i] = eraseFill
	}
	return d.m.Flush()
}

// EEPROMDevice is a file-backed implementation of platform.EEPROM.
type EEPROMDevice struct {
	file *os.File
	m    mmap.MMap
}

// OpenEEPROM creates (if needed) and mmaps path, sized to a handful of
// geo's EEPROM pages, and flocks it for exclusive access.
func OpenEEPROM(path string, geo platform.Geometry) (*EEPROMDevice, error) {
	size := int64(geo.EEPROMPageSize) * 16
	f, m, err := openMapped(path, size, 0x00)
	if err != nil {
		return nil, err
	}
	return &EEPROMDevice{file: f, m: m}, nil
}

// Close unmaps and closes (and so unlocks) the backing file.
func (d *EEPROMDevice) Close() error { return closeMapped(d.file, d.m) }

// PageErase implements platform.EEPROM.
func (d *EEPROMDevice) PageErase(addr uint32, pageSize uint32) error {
	end := uint64(addr) + uint64(pageSize)
	if end > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	region := d.m[addr:uint32(end)]
	for i := range region {
		region[i] = 0x00
	}
	return d.m.Flush()
}

// Read implements platform.EEPROM.
func (d *EEPROMDevice) Read(addr uint32, dst []byte) error {
	if uint64(addr)+uint64(len(dst)) > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	copy(dst, d.m[addr:])
	return nil
}

// Write implements platform.EEPROM.
func (d *EEPROMDevice) Write(addr uint32, src []byte) error {
	if uint64(addr)+uint64(len(src)) > uint64(len(d.m)) {
		return platform.ErrVendorFlash
	}
	copy(d.m[addr:], src)
	return d.m.Flush()
}
