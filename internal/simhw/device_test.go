package simhw

import (
	"path/filepath"
	"testing"

	"openenterprise/otacore/cmac"
	"openenterprise/otacore/command"
	"openenterprise/otacore/flags"
	"openenterprise/otacore/platform"
)

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

var testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

// sign reproduces cmd/otacli's client-side token computation so the test
// can submit properly authenticated frames without a network round trip.
func sign(t *testing.T, dev *Device, cmdFrame, ioBuf []byte) [16]byte {
	t.Helper()
	challenge := dev.Proc.Challenge()
	hCmd, err := cmac.CMAC(dev.AES, testKey, cmdFrame)
	if err != nil {
		t.Fatal(err)
	}
	var hIO [16]byte
	if len(ioBuf) > 0 {
		hIO, err = cmac.CMAC(dev.AES, testKey, ioBuf)
		if err != nil {
			t.Fatal(err)
		}
	}
	var combined [48]byte
	copy(combined[0:16], hCmd[:])
	copy(combined[16:32], hIO[:])
	copy(combined[32:48], challenge[:])
	tok, err := cmac.CMAC(dev.AES, testKey, combined[:])
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func submit(t *testing.T, dev *Device, cmdFrame, ioBuf []byte) command.StatusCode {
	t.Helper()
	tok := sign(t, dev, cmdFrame, ioBuf)
	if err := dev.Proc.WriteToken(tok[:]); err != nil {
		t.Fatal(err)
	}
	status, err := dev.Proc.WriteMain(cmdFrame)
	if err != nil {
		t.Fatal(err)
	}
	return status
}

func putLE32(v uint32) []byte {
	b := make([]byte, 4)
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func waitIdle(t *testing.T, dev *Device) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		advanced, err := dev.Proc.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if !advanced {
			return
		}
	}
	t.Fatal("job never completed")
}

// TestDeviceEndToEndProgramAndConfirm is spec.md §8 scenario 2 driven end
// to end against a real mmap'd flash/EEPROM pair, not the command package's
// in-memory fakes: erase the inactive bank, program it, verify the digest,
// then confirm, and check the flag record lands on Flashed/Normal.
func TestDeviceEndToEndProgramAndConfirm(t *testing.T) {
	base := filepath.Join(t.TempDir(), "dev")
	dev, err := NewDevice(base, testGeometry(), testKey, 42, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.Store.SetBank(platform.BankA); err != nil {
		t.Fatal(err)
	}
	if err := dev.Store.SetMode(flags.ModeOk); err != nil {
		t.Fatal(err)
	}
	if err := dev.Store.Save(); err != nil {
		t.Fatal(err)
	}

	const bankBAddr = 0x37000
	const eraseLen = 0x3000 // a few erase blocks, not the whole bank

	erase := append([]byte{byte(command.OpErase)}, append(putLE32(bankBAddr), putLE32(eraseLen)...)...)
	if status := submit(t, dev, erase, nil); status != command.StatusPending {
		t.Fatalf("erase: status %v", status)
	}
	waitIdle(t, dev)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := dev.Proc.WriteBuffer(payload); err != nil {
		t.Fatal(err)
	}
	program := append([]byte{byte(command.OpProgram)}, putLE32(bankBAddr)...)
	if status := submit(t, dev, program, payload); status != command.StatusOK {
		t.Fatalf("program: status %v", status)
	}

	var readBack [256]byte
	if err := dev.Flash.Read(bankBAddr, readBack[:]); err != nil {
		t.Fatal(err)
	}
	if string(readBack[:]) != string(payload) {
		t.Fatal("programmed bytes did not land in mmap'd flash")
	}

	verify := append([]byte{byte(command.OpVerify)}, append(putLE32(bankBAddr), putLE32(uint32(len(payload)))...)...)
	if status := submit(t, dev, verify, nil); status != command.StatusPending {
		t.Fatalf("verify: status %v", status)
	}
	waitIdle(t, dev)
	if len(dev.Proc.ReadBuffer()) != 32 {
		t.Fatalf("expected a 32-byte digest after verify, got %d bytes", len(dev.Proc.ReadBuffer()))
	}

	confirm := []byte{byte(command.OpConfirm)}
	if status := submit(t, dev, confirm, nil); status != command.StatusPending {
		t.Fatalf("confirm: status %v", status)
	}

	rec, err := dev.Store.Get()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != flags.ModeFlashed || rec.Reason != flags.ReasonNormal {
		t.Fatalf("confirm did not set Flashed/Normal: %+v", rec)
	}
}

func TestFlashProgramObeysEraseBeforeWriteSemantics(t *testing.T) {
	base := filepath.Join(t.TempDir(), "dev2")
	fl, err := OpenFlash(base+".flash", testGeometry())
	if err != nil {
		t.Fatal(err)
	}
	defer fl.Close()

	if err := fl.Erase(0x37000, 0x1000); err != nil {
		t.Fatal(err)
	}
	if err := fl.Program(0x37000, []byte{0x0F}); err != nil {
		t.Fatal(err)
	}
	var out [1]byte
	if err := fl.Read(0x37000, out[:]); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x0F {
		t.Fatalf("expected programmed byte 0x0F, got %#x", out[0])
	}

	// Programming again without erasing can only clear further bits, never
	// set them back — the same constraint real NOR flash enforces.
	if err := fl.Program(0x37000, []byte{0xFF}); err != nil {
		t.Fatal(err)
	}
	if err := fl.Read(0x37000, out[:]); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x0F {
		t.Fatalf("expected program-without-erase to be a no-op on already-cleared bits, got %#x", out[0])
	}
}

func TestSecondOpenFailsWhileFirstHoldsLock(t *testing.T) {
	base := filepath.Join(t.TempDir(), "dev3")
	fl, err := OpenFlash(base+".flash", testGeometry())
	if err != nil {
		t.Fatal(err)
	}
	defer fl.Close()

	if _, err := OpenFlash(base+".flash", testGeometry()); err == nil {
		t.Fatal("expected a second Open of the same file to fail while the first instance holds the flock")
	}
}
