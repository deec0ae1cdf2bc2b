// Command otafirmware runs one simulated OTA target: it owns the flag
// store, the command processor and the job engine, runs the single
// cooperative event loop spec.md §4.5 describes, and exposes the ten
// attributes over a plain TCP frame protocol in place of the radio/GATT
// table spec.md §6 leaves external to this module. It is the closest
// analogue in this tree to the teacher's single-owner board-bringup
// main.go, generalized from "join WiFi, start a console" to "open flash,
// start an attribute server".
package main

import (
	"encoding/binary"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"openenterprise/otacore/auditlog"
	"openenterprise/otacore/boot"
	"openenterprise/otacore/buildconfig"
	"openenterprise/otacore/internal/simhw"
	"openenterprise/otacore/version"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:4242", "attribute server listen address")
	statePath := flag.String("state", "otafirmware.state", "base path for the simulated flash/EEPROM backing files")
	rngSeed := flag.Int64("rng-seed", time.Now().UnixNano(), "seed for the simulated RNG (deterministic for tests)")
	skipArbiter := flag.Bool("skip-arbiter", false, "skip the boot arbiter pass (useful when attaching to already-initialized state)")
	flag.Parse()

	audit := auditlog.New(256)
	log := slog.New(auditlog.NewHandler(slog.NewTextHandler(os.Stderr, nil), audit, slog.LevelDebug))
	log.Info("otafirmware:starting", slog.String("version", version.Version), slog.String("marker", version.BuildMarker))

	geo, err := buildconfig.Geometry()
	if err != nil {
		log.Error("buildconfig.Geometry", slog.String("err", err.Error()))
		os.Exit(1)
	}
	key, err := buildconfig.Key()
	if err != nil {
		log.Error("buildconfig.Key", slog.String("err", err.Error()))
		os.Exit(1)
	}

	dev, err := simhw.NewDevice(*statePath, geo, key, *rngSeed, log, audit)
	if err != nil {
		log.Error("simhw.NewDevice", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer dev.Close()

	if !*skipArbiter {
		arbiter := &boot.Arbiter{Store: dev.Store, Recovery: dev.Ctl, Jumper: dev.Ctl, Logger: log}
		if rebooted := simhw.RunToCompletion(func() { err = arbiter.Arbitrate() }); rebooted != nil {
			log.Info("boot:arbitrated", slog.Any("bank", rebooted.Bank), slog.Bool("isp", dev.Ctl.EnteredISP))
		} else if err != nil {
			log.Error("boot.Arbitrate", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Error("net.Listen", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("otafirmware:listening", slog.String("addr", *addr))

	// The job engine's Poll runs on its own goroutine and each connection on
	// another, but every Poll tick and every attribute access holds loopMu,
	// so job ticks and attribute writes never interleave, as in the single
	// cooperative loop of spec.md §4.5.
	var loopMu sync.Mutex
	go func() {
		for {
			time.Sleep(5 * time.Millisecond)
			loopMu.Lock()
			rebooted := simhw.RunToCompletion(func() { _, _ = dev.Proc.Poll() })
			loopMu.Unlock()
			if rebooted != nil {
				log.Info("job:rebooted", slog.Int("resets", dev.Ctl.ResetCount))
				os.Exit(0)
			}
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept", slog.String("err", err.Error()))
			continue
		}
		go serveConn(conn, dev, log, &loopMu)
	}
}

// Attribute IDs for the frame protocol, in the order spec.md §6 lists them.
// attrAuditDump is not one of spec.md §6's ten remote attributes; it is a
// host-tooling extension of this transport that lets cmd/otacli pull the
// device's audit ring for offline inspection.
const (
	attrMain = iota
	attrBuffer
	attrChallenge
	attrToken
	attrFlashBank
	attrFlashBankStr
	attrFlashMode
	attrFlashModeStr
	attrBootReason
	attrBootReasonStr
	attrAuditDump
)

const (
	opRead byte = iota
	opWrite
)

// serveConn speaks a tiny framed protocol: [attr byte][op byte][len uint16
// LE][payload]; the reply is [status byte][len uint16 LE][payload]. It is
// intentionally not the real GATT wire format, which spec.md §6 leaves
// external to this module.
func serveConn(conn net.Conn, dev *simhw.Device, log *slog.Logger, loopMu *sync.Mutex) {
	defer conn.Close()
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		attr := hdr[0]
		op := hdr[1]
		n := binary.LittleEndian.Uint16(hdr[2:4])
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}

		loopMu.Lock()
		status, reply, rebooted := handleFrame(dev, attr, op, payload)
		loopMu.Unlock()
		if rebooted {
			writeReply(conn, status, reply)
			log.Info("conn:device-rebooted")
			return
		}
		if !writeReply(conn, status, reply) {
			return
		}
	}
}

func writeReply(conn net.Conn, status byte, reply []byte) bool {
	out := make([]byte, 3+len(reply))
	out[0] = status
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(reply)))
	copy(out[3:], reply)
	_, err := conn.Write(out)
	return err == nil
}

func handleFrame(dev *simhw.Device, attr, op byte, payload []byte) (status byte, reply []byte, rebooted bool) {
	var statusErr error
	wasRebooted := simhw.RunToCompletion(func() {
		status, reply, statusErr = dispatchAttr(dev, attr, op, payload)
	})
	if wasRebooted != nil {
		return 0, nil, true
	}
	if statusErr != nil {
		return 0xFF, []byte(statusErr.Error()), false
	}
	return status, reply, false
}

func dispatchAttr(dev *simhw.Device, attr, op byte, payload []byte) (byte, []byte, error) {
	p := dev.Proc
	switch attr {
	case attrMain:
		if op == opWrite {
			code, err := p.WriteMain(payload)
			return byte(code), nil, err
		}
		busy, lastStatus := p.ReadMain()
		b := byte(0)
		if busy {
			b = 1
		}
		return 0, []byte{b, byte(lastStatus)}, nil

	case attrBuffer:
		if op == opWrite {
			return 0, nil, p.WriteBuffer(payload)
		}
		return 0, p.ReadBuffer(), nil

	case attrChallenge:
		c := p.Challenge()
		return 0, c[:], nil

	case attrToken:
		if op == opWrite {
			return 0, nil, p.WriteToken(payload)
		}
		return 0, nil, nil

	case attrFlashBank:
		v, err := p.ReadFlashBank()
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return 0, b[:], err

	case attrFlashBankStr:
		s, err := p.ReadFlashBankStr()
		return 0, []byte(s), err

	case attrFlashMode:
		v, err := p.ReadFlashMode()
		return 0, []byte{byte(v)}, err

	case attrFlashModeStr:
		s, err := p.ReadFlashModeStr()
		return 0, []byte(s), err

	case attrBootReason:
		v, err := p.ReadBootReason()
		return 0, []byte{byte(v)}, err

	case attrBootReasonStr:
		s, err := p.ReadBootReasonStr()
		return 0, []byte(s), err

	case attrAuditDump:
		return 0, dumpAudit(dev), nil

	default:
		return 0xFE, nil, nil
	}
}

// dumpAudit flushes the device's audit ring into a sequence of
// [uint16 LE length][auditlog.EncodeEntry(entry)] records for cmd/otacli to
// decode offline. Returns nil if the device has no audit ring attached.
func dumpAudit(dev *simhw.Device) []byte {
	if dev.Audit == nil {
		return nil
	}
	entries := dev.Audit.Flush()
	var out []byte
	for _, e := range entries {
		enc := auditlog.EncodeEntry(e)
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(len(enc)))
		out = append(out, n[:]...)
		out = append(out, enc...)
	}
	return out
}
