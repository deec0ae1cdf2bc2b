// Package flags implements the persistent 8-byte OTA metadata record (C1 in
// the design): current bank, boot mode, boot reason, and the read-modify-
// erase-write discipline the EEPROM requires before any byte may change.
package flags

import (
	"encoding/binary"

	"openenterprise/otacore/platform"
)

// BankValue is the raw current_bank word the flag record stores on flash.
// ValueBankA, ValueBankB and ValueFailBoot are the named values; any other
// word (such as the one left by a page erase) is kept exactly as observed
// and reported by Record.IsUninitialized. There is no separate Unknown
// constant.
type BankValue uint32

const (
	ValueBankA    BankValue = 0xA5A5A5A5
	ValueBankB    BankValue = 0x5A5A5A5A
	ValueFailBoot BankValue = 0xDEADBEEF
)

// Mode is the mode_flag field.
type Mode uint8

const (
	ModeOk Mode = iota
	ModeFlashed
	ModeFirstBoot
)

func (m Mode) String() string {
	switch m {
	case ModeOk:
		return "ok"
	case ModeFlashed:
		return "flashed"
	case ModeFirstBoot:
		return "first-boot"
	default:
		return "unknown"
	}
}

// Reason is the reason_code field.
type Reason uint8

const (
	ReasonNormal Reason = iota
	ReasonFallbackBoot
)

func (r Reason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonFallbackBoot:
		return "fallback-boot"
	default:
		return "unknown"
	}
}

// Record is the 8-byte, 8-byte-aligned flag record (spec.md §3).
type Record struct {
	BankRaw BankValue // current_bank, may be a value other than the three named constants
	Mode    Mode
	Reason  Reason
}

// IsUninitialized reports whether BankRaw is none of BankA/BankB/FailBoot,
// i.e. the EEPROM was blank or corrupted (spec.md FS-1).
func (r Record) IsUninitialized() bool {
	switch r.BankRaw {
	case ValueBankA, ValueBankB, ValueFailBoot:
		return false
	default:
		return true
	}
}

// Bank returns the platform.Bank corresponding to BankRaw. ok is false for
// FailBoot or an uninitialized record.
func (r Record) Bank() (b platform.Bank, ok bool) {
	switch r.BankRaw {
	case ValueBankA:
		return platform.BankA, true
	case ValueBankB:
		return platform.BankB, true
	default:
		return 0, false
	}
}

func bankValueOf(b platform.Bank) BankValue {
	if b == platform.BankA {
		return ValueBankA
	}
	return ValueBankB
}

// encode serializes the record into its 8-byte on-flash layout:
// 4 bytes current_bank (LE) | 1 byte mode | 1 byte reason | 2 reserved zero bytes.
func (r Record) encode() [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.BankRaw))
	buf[4] = byte(r.Mode)
	buf[5] = byte(r.Reason)
	// buf[6], buf[7] reserved, must be zero.
	return buf
}

func decode(buf [8]byte) Record {
	return Record{
		BankRaw: BankValue(binary.LittleEndian.Uint32(buf[0:4])),
		Mode:    Mode(buf[4]),
		Reason:  Reason(buf[5]),
	}
}

// Store owns the flag record on flash. Get is lazy and cached on first
// call; every mutator only touches the cache, and Save is the only method
// that ever erases or writes the EEPROM page (spec.md §4.1's rationale:
// bundling avoids callers accidentally partial-writing).
type Store struct {
	dev      platform.EEPROM
	addr     uint32
	pageSize uint32

	loaded bool
	cache  Record
}

// NewStore builds a Store over the given EEPROM device at the fixed record
// address, with the record's page size (spec.md §6: "the record's page is
// 256 bytes").
func NewStore(dev platform.EEPROM, addr, pageSize uint32) *Store {
	return &Store{dev: dev, addr: addr, pageSize: pageSize}
}

// Get returns the cached record, reading it from EEPROM on first call.
func (s *Store) Get() (Record, error) {
	if s.loaded {
		return s.cache, nil
	}
	var raw [8]byte
	if err := s.dev.Read(s.addr, raw[:]); err != nil {
		return Record{}, err
	}
	s.cache = decode(raw)
	s.loaded = true
	return s.cache, nil
}

// SetBank stages a new current_bank value in the cache; callers must call
// Save to persist it.
func (s *Store) SetBank(b platform.Bank) error {
	if _, err := s.Get(); err != nil {
		return err
	}
	s.cache.BankRaw = bankValueOf(b)
	return nil
}

// SetFailBoot stages the FailBoot sentinel (the arbiter's ROM-ISP path).
func (s *Store) SetFailBoot() error {
	if _, err := s.Get(); err != nil {
		return err
	}
	s.cache.BankRaw = ValueFailBoot
	return nil
}

// SetMode stages a new mode_flag.
func (s *Store) SetMode(m Mode) error {
	if _, err := s.Get(); err != nil {
		return err
	}
	s.cache.Mode = m
	return nil
}

// SetReason stages a new reason_code.
func (s *Store) SetReason(r Reason) error {
	if _, err := s.Get(); err != nil {
		return err
	}
	s.cache.Reason = r
	return nil
}

// Save erases the record's page, then writes the cached record back
// (FS-1: "read-modify-erase-write sequence that erases the entire EEPROM
// page before writing"). A power loss between the erase and the write
// leaves the page blank; the next Get on a fresh Store will observe an
// uninitialized record, which is the arbiter's job to default, not this
// package's to paper over.
func (s *Store) Save() error {
	if err := s.dev.PageErase(s.addr, s.pageSize); err != nil {
		return err
	}
	raw := s.cache.encode()
	return s.dev.Write(s.addr, raw[:])
}

// AssertBootOK clears FirstBoot once the running application has proven it
// came up cleanly. Idempotent: calling it again when mode is already Ok is
// a no-op (spec.md §8: "assert_boot_ok() called twice is equivalent to
// once").
func (s *Store) AssertBootOK() error {
	rec, err := s.Get()
	if err != nil {
		return err
	}
	if rec.Mode != ModeFirstBoot {
		return nil
	}
	if err := s.SetMode(ModeOk); err != nil {
		return err
	}
	return s.Save()
}
