package command

import (
	"crypto/aes"
	"log/slog"
	"testing"

	"openenterprise/otacore/cmac"
	"openenterprise/otacore/flags"
	"openenterprise/otacore/job"
	"openenterprise/otacore/platform"
)

type stdAES struct{}

func (stdAES) Encrypt128(key, plaintext [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], plaintext[:])
	return out, nil
}

// seqRNG returns a fixed, advancing sequence so tests can predict the
// challenge without needing true randomness.
type seqRNG struct{ n uint32 }

func (r *seqRNG) Uint32() uint32 {
	r.n++
	return r.n
}

type memFlash struct{ data []byte }

func newMemFlash(size int) *memFlash {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return &memFlash{data: b}
}
func (f *memFlash) Read(addr uint32, dst []byte) error {
	copy(dst, f.data[addr:])
	return nil
}
func (f *memFlash) Program(addr uint32, src []byte) error {
	for i, b := range src {
		f.data[int(addr)+i] &= b
	}
	return nil
}
func (f *memFlash) Erase(addr, length uint32) error {
	for i := addr; i < addr+length; i++ {
		f.data[i] = 0xFF
	}
	return nil
}

type memEEPROM struct{ data []byte }

func newMemEEPROM() *memEEPROM { return &memEEPROM{data: make([]byte, 256)} }
func (m *memEEPROM) PageErase(addr, pageSize uint32) error {
	for i := addr; i < addr+pageSize; i++ {
		m.data[i] = 0
	}
	return nil
}
func (m *memEEPROM) Read(addr uint32, dst []byte) error  { copy(dst, m.data[addr:]); return nil }
func (m *memEEPROM) Write(addr uint32, src []byte) error { copy(m.data[addr:], src); return nil }

type fakeControl struct{}

func (fakeControl) DisableAllIRQ()   {}
func (fakeControl) DelayMS(_ uint32) {}
func (fakeControl) Reset()           {}
func (fakeControl) EnterISP() error  { return nil }

// fakeScheduler records how many times a job tick asked to be serviced.
type fakeScheduler struct {
	registered func()
	fed        int
}

func (s *fakeScheduler) RegisterTask(handler func()) (int, error) {
	s.registered = handler
	return 1, nil
}
func (s *fakeScheduler) ScheduleEvent(taskID int, _ uint32) error {
	s.fed++
	s.registered()
	return nil
}

func testGeometry() platform.Geometry {
	return platform.Geometry{
		BankAEntry:     0x1000,
		BankBEntry:     0x37000,
		BankSize:       0x36000,
		EraseBlockSize: 0x1000,
		EEPROMAddr:     0,
		EEPROMPageSize: 256,
		IOBufSize:      512,
	}
}

var testKey = [16]byte{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}

func newTestProcessor(t *testing.T) (*Processor, *memFlash) {
	t.Helper()
	fl := newMemFlash(0x40000)
	ee := newMemEEPROM()
	store := flags.NewStore(ee, 0, 256)
	if err := store.SetBank(platform.BankA); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMode(flags.ModeOk); err != nil {
		t.Fatal(err)
	}
	if err := store.SetReason(flags.ReasonNormal); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	engine := job.NewEngine(fl, testGeometry())
	p := NewProcessor(Config{
		Geometry: testGeometry(),
		Flash:    fl,
		Store:    store,
		Engine:   engine,
		AES:      stdAES{},
		RNG:      &seqRNG{},
		IRQ:      fakeControl{},
		Clock:    fakeControl{},
		Reset:    fakeControl{},
		Key:      testKey,
		Logger:   slog.Default(),
	})
	return p, fl
}

// sign reproduces the client-side token computation so tests can submit
// properly authenticated frames.
func sign(t *testing.T, p *Processor, cmdFrame, ioBuf []byte) [16]byte {
	t.Helper()
	challenge := p.Challenge()
	hCmd, err := cmac.CMAC(stdAES{}, testKey, cmdFrame)
	if err != nil {
		t.Fatal(err)
	}
	var hIO [16]byte
	if ioBufferUsed(Opcode(cmdFrame[0])) && len(ioBuf) > 0 {
		hIO, err = cmac.CMAC(stdAES{}, testKey, ioBuf)
		if err != nil {
			t.Fatal(err)
		}
	}
	var combined [48]byte
	copy(combined[0:16], hCmd[:])
	copy(combined[16:32], hIO[:])
	copy(combined[32:48], challenge[:])
	tok, err := cmac.CMAC(stdAES{}, testKey, combined[:])
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func submit(t *testing.T, p *Processor, cmdFrame, ioBuf []byte) (StatusCode, error) {
	t.Helper()
	tok := sign(t, p, cmdFrame, ioBuf)
	if err := p.WriteToken(tok[:]); err != nil {
		t.Fatal(err)
	}
	return p.WriteMain(cmdFrame)
}

func putLE32(v uint32) []byte {
	b := make([]byte, 4)
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func waitIdle(t *testing.T, p *Processor) {
	t.Helper()
	for i := 0; i < 1000 && p.engine.IsBusy(); i++ {
		if _, err := p.Poll(); err != nil {
			t.Fatal(err)
		}
	}
	if p.engine.IsBusy() {
		t.Fatal("job never completed")
	}
}

func TestReadAuthenticatedSucceeds(t *testing.T) {
	p, fl := newTestProcessor(t)
	copy(fl.data[0x1000:], []byte("hello firmware"))

	frame := append([]byte{byte(OpRead)}, append(putLE32(0x1000), putLE32(14)...)...)
	status, err := submit(t, p, frame, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", status)
	}
	if string(p.ReadBuffer()) != "hello firmware" {
		t.Fatalf("unexpected buffer contents: %q", p.ReadBuffer())
	}
}

func TestBadTokenRejected(t *testing.T) {
	p, _ := newTestProcessor(t)
	frame := append([]byte{byte(OpRead)}, append(putLE32(0x1000), putLE32(16)...)...)
	if err := p.WriteToken(make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	status, err := p.WriteMain(frame)
	if status != StatusInsufficientAuthentication || err == nil {
		t.Fatalf("expected InsufficientAuthentication, got %v / %v", status, err)
	}
}

// TestReplayDefence is spec.md §8 scenario 5: a captured valid (cmd, token)
// pair must fail once resubmitted, because WriteMain rotates the challenge
// on every call regardless of outcome.
func TestReplayDefence(t *testing.T) {
	p, _ := newTestProcessor(t)
	frame := append([]byte{byte(OpRead)}, append(putLE32(0x1000), putLE32(16)...)...)
	tok := sign(t, p, frame, nil)

	if err := p.WriteToken(tok[:]); err != nil {
		t.Fatal(err)
	}
	status, err := p.WriteMain(frame)
	if err != nil || status != StatusOK {
		t.Fatalf("first submission should succeed: %v %v", status, err)
	}

	// Replay the exact same (frame, token): challenge rotated, so the
	// precomputed token no longer authenticates.
	if err := p.WriteToken(tok[:]); err != nil {
		t.Fatal(err)
	}
	status, err = p.WriteMain(frame)
	if status != StatusInsufficientAuthentication || err == nil {
		t.Fatalf("expected replay to be rejected, got %v %v", status, err)
	}
}

// TestRangeViolationRejectedAfterAuth is spec.md §8 scenario 6: a
// well-authenticated PROGRAM targeting the active (not inactive) bank must
// be rejected by the range check, which only runs after authentication
// succeeds.
func TestRangeViolationRejectedAfterAuth(t *testing.T) {
	p, _ := newTestProcessor(t)
	payload := []byte("x")
	if err := p.WriteBuffer(payload); err != nil {
		t.Fatal(err)
	}
	// Store is at BankA/Ok/Normal, so the inactive bank is BankB
	// (0x37000..0x6D000). Target BankA's own entry instead.
	frame := append([]byte{byte(OpProgram)}, putLE32(0x1000)...)
	status, err := submit(t, p, frame, payload)
	if status != StatusInvalidRange || err == nil {
		t.Fatalf("expected InvalidRange, got %v %v", status, err)
	}
}

func TestEraseProgramVerifyConfirmFlow(t *testing.T) {
	p, fl := newTestProcessor(t)
	const addr = 0x37000
	const length = 0x1000

	erase := append([]byte{byte(OpErase)}, append(putLE32(addr), putLE32(length)...)...)
	status, err := submit(t, p, erase, nil)
	if err != nil || status != StatusPending {
		t.Fatalf("erase: %v %v", status, err)
	}
	waitIdle(t, p)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := p.WriteBuffer(payload); err != nil {
		t.Fatal(err)
	}
	program := append([]byte{byte(OpProgram)}, putLE32(addr)...)
	status, err = submit(t, p, program, payload)
	if err != nil || status != StatusOK {
		t.Fatalf("program: %v %v", status, err)
	}
	if string(fl.data[addr:addr+64]) != string(payload) {
		t.Fatal("program did not write expected bytes")
	}

	verify := append([]byte{byte(OpVerify)}, append(putLE32(addr), putLE32(64)...)...)
	status, err = submit(t, p, verify, nil)
	if err != nil || status != StatusPending {
		t.Fatalf("verify: %v %v", status, err)
	}
	waitIdle(t, p)
	if len(p.ReadBuffer()) != 32 {
		t.Fatalf("expected a 32-byte digest after verify, got %d bytes", len(p.ReadBuffer()))
	}

	confirm := []byte{byte(OpConfirm)}
	status, err = submit(t, p, confirm, nil)
	if err != nil || status != StatusPending {
		t.Fatalf("confirm: %v %v", status, err)
	}
	rec, err := p.store.Get()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != flags.ModeFlashed || rec.Reason != flags.ReasonNormal {
		t.Fatalf("confirm did not set Flashed/Normal: %+v", rec)
	}
}

// TestPollFeedsSchedulerOncePerAdvancingTick supplements spec.md §9: a long
// erase must not run to completion without servicing the caller's
// scheduler/watchdog between chunks.
func TestPollFeedsSchedulerOncePerAdvancingTick(t *testing.T) {
	fl := newMemFlash(0x40000)
	ee := newMemEEPROM()
	store := flags.NewStore(ee, 0, 256)
	if err := store.SetBank(platform.BankA); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}
	engine := job.NewEngine(fl, testGeometry())
	sched := &fakeScheduler{}
	p := NewProcessor(Config{
		Geometry:  testGeometry(),
		Flash:     fl,
		Store:     store,
		Engine:    engine,
		AES:       stdAES{},
		RNG:       &seqRNG{},
		IRQ:       fakeControl{},
		Clock:     fakeControl{},
		Reset:     fakeControl{},
		Scheduler: sched,
		Key:       testKey,
		Logger:    slog.Default(),
	})

	erase := append([]byte{byte(OpErase)}, append(putLE32(0x37000), putLE32(0x3000)...)...)
	status, err := submit(t, p, erase, nil)
	if err != nil || status != StatusPending {
		t.Fatalf("erase: %v %v", status, err)
	}
	waitIdle(t, p)

	// 0x3000 bytes at 0x1000 per erase block is three advancing ticks.
	if sched.fed != 3 {
		t.Fatalf("expected the scheduler to be fed once per erase tick (3), got %d", sched.fed)
	}
}

func TestBusyGateRejectsWriteMain(t *testing.T) {
	p, _ := newTestProcessor(t)
	erase := append([]byte{byte(OpErase)}, append(putLE32(0x37000), putLE32(0x1000)...)...)
	if status, err := submit(t, p, erase, nil); err != nil || status != StatusPending {
		t.Fatalf("erase: %v %v", status, err)
	}

	frame := append([]byte{byte(OpRead)}, append(putLE32(0x1000), putLE32(16)...)...)
	tok := sign(t, p, frame, nil)
	if err := p.WriteToken(tok[:]); err != nil {
		t.Fatal(err)
	}
	status, err := p.WriteMain(frame)
	if status != StatusWriteNotPermitted || err == nil {
		t.Fatalf("expected WriteNotPermitted while busy, got %v %v", status, err)
	}
}
