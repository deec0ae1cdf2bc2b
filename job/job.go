// Package job implements the cooperative async flash job engine (C4): one
// pending job at a time, erase/verify in small chunks so the caller's
// scheduler (radio stack, watchdog) gets serviced every tick, and an
// irrevocable reboot. Modeled as a tagged union of job variants with a
// single Poll method, not a coroutine (spec.md §9).
package job

import (
	"crypto/sha256"
	"errors"

	"openenterprise/otacore/platform"
)

// Opcode identifies which job variant is pending.
type Opcode uint8

const (
	OpNone Opcode = iota
	OpErase
	OpVerify
	OpReboot
)

// Status is the job's outcome, readable after completion via LastStatus
// (and, at the command-processor layer, via the MAIN attribute's second
// byte).
type Status uint8

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusFlashError
)

// ErrBusy is returned by Start* when a job is already pending (spec.md §8:
// "starting a job while is_busy() yields WriteNotPermitted").
var ErrBusy = errors.New("job: engine busy")

// Engine is the single-pending-job state machine. It owns no goroutine of
// its own; Poll is driven by the outer cooperative loop.
type Engine struct {
	flash platform.Flash
	geo   platform.Geometry

	busy   bool
	op     Opcode
	status Status

	addr   uint32
	length uint32
	offset uint32

	outBuf    []byte
	outLenPtr *int
	hasher    interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}

	scratch [256]byte
}

// NewEngine builds an Engine over the given flash device and geometry. The
// erase chunk size is geo.EraseBlockSize; the verify chunk size is a fixed
// 256 bytes and does not come from Geometry.
func NewEngine(flash platform.Flash, geo platform.Geometry) *Engine {
	return &Engine{flash: flash, geo: geo}
}

// IsBusy reports whether a job is currently pending.
func (e *Engine) IsBusy() bool { return e.busy }

// LastStatus returns the most recently completed (or in-flight) job's
// status.
func (e *Engine) LastStatus() Status { return e.status }

// StartErase begins an erase job over [addr, addr+length). Erase proceeds
// one EraseBlockSize unit per tick, shortened for the final chunk.
func (e *Engine) StartErase(addr, length uint32) error {
	if e.busy {
		return ErrBusy
	}
	e.busy = true
	e.status = StatusPending
	e.op = OpErase
	e.addr = addr
	e.length = length
	e.offset = 0
	return nil
}

// StartVerify begins a verify job over [addr, addr+length), reading up to
// 256 bytes per tick into a running SHA-256 context. On completion the
// 32-byte digest is copied into out and *outLen is set to 32.
func (e *Engine) StartVerify(addr, length uint32, out []byte, outLen *int) error {
	if e.busy {
		return ErrBusy
	}
	if len(out) < sha256.Size {
		return errors.New("job: verify output buffer too small")
	}
	e.busy = true
	e.status = StatusPending
	e.op = OpVerify
	e.addr = addr
	e.length = length
	e.offset = 0
	e.outBuf = out
	e.outLenPtr = outLen
	e.hasher = sha256.New()
	return nil
}

// StartReboot begins the single-tick reboot job. Once admitted it is
// irrevocable: the next Poll call does not return.
func (e *Engine) StartReboot() error {
	if e.busy {
		return ErrBusy
	}
	e.busy = true
	e.status = StatusPending
	e.op = OpReboot
	return nil
}

// Poll advances the pending job by one chunk. It is a no-op (returns false)
// if no job is pending. For a reboot job, Poll disables interrupts through
// irq, delays through clk and calls reset.Reset; on success Poll never
// returns.
func (e *Engine) Poll(irq platform.IRQControl, clk platform.Clock, reset platform.SystemReset) (advanced bool, err error) {
	if !e.busy {
		return false, nil
	}

	switch e.op {
	case OpErase:
		return true, e.pollErase()
	case OpVerify:
		return true, e.pollVerify()
	case OpReboot:
		e.pollReboot(irq, clk, reset)
		// Only reached if reset.Reset() returned, which it must not.
		return true, errors.New("job: reboot did not take effect")
	default:
		e.busy = false
		return false, nil
	}
}

func (e *Engine) pollErase() error {
	remaining := e.length - e.offset
	chunk := e.geo.EraseBlockSize
	if remaining < chunk {
		chunk = remaining
	}
	if err := e.flash.Erase(e.addr+e.offset, chunk); err != nil {
		e.status = StatusFlashError
		e.busy = false
		return err
	}
	e.offset += chunk
	if e.offset >= e.length {
		e.status = StatusSuccess
		e.busy = false
	}
	return nil
}

func (e *Engine) pollVerify() error {
	const chunkSize = 256
	remaining := e.length - e.offset
	n := uint32(chunkSize)
	if remaining < n {
		n = remaining
	}
	if err := e.flash.Read(e.addr+e.offset, e.scratch[:n]); err != nil {
		e.status = StatusFlashError
		e.busy = false
		return err
	}
	e.hasher.Write(e.scratch[:n])
	e.offset += n
	if e.offset >= e.length {
		digest := e.hasher.Sum(nil)
		copy(e.outBuf, digest)
		*e.outLenPtr = len(digest)
		e.status = StatusSuccess
		e.busy = false
	}
	return nil
}

func (e *Engine) pollReboot(irq platform.IRQControl, clk platform.Clock, reset platform.SystemReset) {
	irq.DisableAllIRQ()
	clk.DelayMS(20)
	reset.Reset()
}
