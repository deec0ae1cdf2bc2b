package simhw

import (
	"log/slog"

	"openenterprise/otacore/auditlog"
	"openenterprise/otacore/command"
	"openenterprise/otacore/flags"
	"openenterprise/otacore/job"
	"openenterprise/otacore/platform"
)

// Device wires one simulated OTA target end to end: mmap'd flash and
// EEPROM, the flag store, the job engine and the command processor, all
// sharing one Control for IRQ/clock/reset/recovery/jump. cmd/otafirmware
// and the package tests both build on this rather than assembling the
// pieces by hand.
type Device struct {
	Flash  *FlashDevice
	EEPROM *EEPROMDevice
	Store  *flags.Store
	Engine *job.Engine
	Proc   *command.Processor
	Ctl    *Control
	AES    AES
	RNG    *RNG
	Sched  *Scheduler
	Audit  *auditlog.Log
}

// NewDevice opens (creating if absent) the flash and EEPROM backing files
// at basePath+".flash"/".eeprom" and assembles a Device around them.
// rngSeed lets tests and the bench tooling reproduce a fixed challenge
// sequence; production use should seed from an unpredictable source. audit
// may be nil, in which case the processor never pauses/resumes a ring.
func NewDevice(basePath string, geo platform.Geometry, key [16]byte, rngSeed int64, log *slog.Logger, audit *auditlog.Log) (*Device, error) {
	fl, err := OpenFlash(basePath+".flash", geo)
	if err != nil {
		return nil, err
	}
	ee, err := OpenEEPROM(basePath+".eeprom", geo)
	if err != nil {
		fl.Close()
		return nil, err
	}

	store := flags.NewStore(ee, geo.EEPROMAddr, geo.EEPROMPageSize)
	engine := job.NewEngine(fl, geo)
	ctl := &Control{}
	rng := NewRNG(rngSeed)
	aes := AES{}
	sched := NewScheduler()

	proc := command.NewProcessor(command.Config{
		Geometry:  geo,
		Flash:     fl,
		Store:     store,
		Engine:    engine,
		AES:       aes,
		RNG:       rng,
		IRQ:       ctl,
		Clock:     ctl,
		Reset:     ctl,
		Scheduler: sched,
		AuditLog:  audit,
		Key:       key,
		Logger:    log,
	})

	return &Device{
		Flash:  fl,
		EEPROM: ee,
		Store:  store,
		Engine: engine,
		Proc:   proc,
		Ctl:    ctl,
		AES:    aes,
		RNG:    rng,
		Sched:  sched,
		Audit:  audit,
	}, nil
}

// Close releases the backing files.
func (d *Device) Close() error {
	err1 := d.Flash.Close()
	err2 := d.EEPROM.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
