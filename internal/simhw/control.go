package simhw

import "openenterprise/otacore/platform"

// RebootedError is the panic value Reset, EnterISP and JumpTo raise (in
// place of never returning, which a host process cannot do) so a driving
// test or CLI can observe through RunToCompletion that control was
// transferred.
type RebootedError struct {
	Bank platform.Bank
}

func (e *RebootedError) Error() string { return "simhw: device reset" }

// Control bundles the small platform interfaces the job engine and boot
// arbiter need beyond flash/EEPROM: IRQ, clock, reset, recovery entry and
// bank jumping. A host process can't disable interrupts or truly jump
// banks, so Control records what happened and then panics with a
// *RebootedError, which RunToCompletion recovers, instead of halting the
// process.
type Control struct {
	IRQDisabled bool
	DelayCalls  []uint32
	JumpedTo    *platform.Bank
	EnteredISP  bool
	ResetCount  int
}

// DisableAllIRQ implements platform.IRQControl.
func (c *Control) DisableAllIRQ() { c.IRQDisabled = true }

// DelayMS implements platform.Clock.
func (c *Control) DelayMS(n uint32) { c.DelayCalls = append(c.DelayCalls, n) }

// Reset implements platform.SystemReset. It does not return normally: it
// panics with a *RebootedError that a driving loop recovers, since a host
// process has no equivalent of jumping to the reset vector.
func (c *Control) Reset() {
	c.ResetCount++
	panic(&RebootedError{})
}

// EnterISP implements platform.RecoveryEntry.
func (c *Control) EnterISP() error {
	c.EnteredISP = true
	panic(&RebootedError{})
}

// JumpTo implements platform.BankJumper.
func (c *Control) JumpTo(bank platform.Bank) error {
	b := bank
	c.JumpedTo = &b
	panic(&RebootedError{Bank: bank})
}

// RunToCompletion calls fn and recovers a *RebootedError, returning it
// instead of letting it unwind further. Any other panic propagates.
func RunToCompletion(fn func()) (rebooted *RebootedError) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(*RebootedError); ok {
				rebooted = re
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// Scheduler is a trivial platform.Scheduler: RegisterTask remembers the
// handler, ScheduleEvent invokes it immediately. The real firmware's event
// loop would instead defer to the next tick; a host-side simulator has no
// equivalent notion of "later" worth modeling.
type Scheduler struct {
	handlers map[int]func()
	nextID   int
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{handlers: make(map[int]func())}
}

// RegisterTask implements platform.Scheduler.
func (s *Scheduler) RegisterTask(handler func()) (int, error) {
	s.nextID++
	id := s.nextID
	s.handlers[id] = handler
	return id, nil
}

// ScheduleEvent implements platform.Scheduler.
func (s *Scheduler) ScheduleEvent(taskID int, _ uint32) error {
	h, ok := s.handlers[taskID]
	if !ok {
		return nil
	}
	h()
	return nil
}
