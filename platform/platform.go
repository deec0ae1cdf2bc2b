// Package platform declares the hardware contracts the OTA core is built
// against: flash, EEPROM, the AES engine, the RNG, and the handful of
// scheduler/reset primitives the boot arbiter and job engine need. A real
// firmware image supplies concrete implementations backed by the chip's
// drivers; internal/simhw supplies a host-side simulation for tests and
// bench tools.
package platform

import "errors"

// ErrVendorFlash is returned by Flash implementations on a hardware-reported
// program or erase failure. Callers treat it as the job's terminal status.
var ErrVendorFlash = errors.New("platform: vendor flash operation failed")

// Flash is the contract for the two application banks. Implementations are
// not required to be safe for concurrent use; the command processor and job
// engine only ever call it from the single cooperative loop.
type Flash interface {
	// Read copies len(dst) bytes starting at addr into dst. Reads are
	// permitted from either bank.
	Read(addr uint32, dst []byte) error
	// Program writes src at addr. Implementations may require addr/len to
	// be page-aligned; callers are expected to already satisfy the bank
	// window and alignment invariants before calling.
	Program(addr uint32, src []byte) error
	// Erase erases exactly len bytes starting at addr. The job engine calls
	// it with at most EraseBlockSize bytes at a time; the last call of a job
	// may be shorter and need not be a multiple of EraseBlockSize.
	Erase(addr uint32, len uint32) error
}

// EEPROM is the contract for the small persistent metadata region backing
// the flag record. Erase granularity is a whole page; Write never spans a
// page boundary by construction of the flag record's layout.
type EEPROM interface {
	PageErase(addr uint32, pageSize uint32) error
	Read(addr uint32, dst []byte) error
	Write(addr uint32, src []byte) error
}

// AESEngine is the hardware AES-128 block primitive CMAC is built on top of.
type AESEngine interface {
	// Encrypt128 encrypts one 16-byte block under key.
	Encrypt128(key, plaintext [16]byte) ([16]byte, error)
}

// RNG is the device's random source, consumed four times per 16-byte
// challenge rotation (spec: "a 32-bit-per-step RNG").
type RNG interface {
	Uint32() uint32
}

// Scheduler lets the command processor cooperate with whatever event loop
// is driving the radio/GATT stack outside this module's scope: it registers
// one task and posts an event to it after every job tick that advanced.
// Implementations of ScheduleEvent should be non-blocking: it only needs to
// guarantee that the registered task's handler runs.
type Scheduler interface {
	ScheduleEvent(taskID int, eventMask uint32) error
	RegisterTask(handler func()) (taskID int, err error)
}

// IRQControl is consulted only by the reboot job, which must quiesce
// interrupts before handing control to SystemReset.
type IRQControl interface {
	DisableAllIRQ()
}

// Clock provides the brief delay the reboot job uses to let an in-flight
// radio ack drain before resetting.
type Clock interface {
	DelayMS(n uint32)
}

// SystemReset performs the hardware reset. It must not return.
type SystemReset interface {
	Reset()
}

// RecoveryEntry is the boot arbiter's escape hatch into the chip's
// immutable in-ROM update loader. Spec: "unconditionally reach a
// factory-style update mode" — the concrete mechanism is vendor-specific.
type RecoveryEntry interface {
	EnterISP() error
}

// BankJumper transfers control to an application image in the given bank.
// On success it does not return.
type BankJumper interface {
	JumpTo(bank Bank) error
}

// Bank identifies one of the two equal-size application flash regions.
type Bank int

const (
	BankA Bank = iota
	BankB
)

// Other returns the opposite bank.
func (b Bank) Other() Bank {
	if b == BankA {
		return BankB
	}
	return BankA
}

func (b Bank) String() string {
	switch b {
	case BankA:
		return "A"
	case BankB:
		return "B"
	default:
		return "unknown"
	}
}

// Geometry carries the build-time constants of spec.md §6: bank entry
// addresses/size, the EEPROM page geometry, the erase block size and the
// IO buffer size. It is supplied once at startup and never mutated.
type Geometry struct {
	BankAEntry     uint32
	BankBEntry     uint32
	BankSize       uint32
	EraseBlockSize uint32
	EEPROMAddr     uint32
	EEPROMPageSize uint32
	IOBufSize      int
}

// Entry returns the flash entry address for bank b.
func (g Geometry) Entry(b Bank) uint32 {
	if b == BankA {
		return g.BankAEntry
	}
	return g.BankBEntry
}

// InBank reports whether [addr, addr+length) lies fully within bank b's
// window. The upper bound is addr+length <= entry+size (spec.md §9: the
// inclusive "-1" variant found in some source revisions is wrong).
func (g Geometry) InBank(b Bank, addr, length uint32) bool {
	if length == 0 || length > g.BankSize {
		return false
	}
	entry := g.Entry(b)
	if addr < entry || addr > entry+g.BankSize {
		return false
	}
	end := addr + length
	if end < addr {
		return false // overflow
	}
	return end <= entry+g.BankSize
}
