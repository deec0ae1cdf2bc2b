// Command otamonitor is a tiny ebiten dashboard showing a simulated
// device's state as three indicator lights (bank A, bank B, busy) and a
// text line with mode, boot reason and last job status, polled over the
// same TCP attribute protocol cmd/otacli speaks.
// It descends from the teacher's bindicator concept: a small always-on
// status display driven by a Draw/Update/Layout ebiten.Game, just
// reporting OTA state instead of a bin-collection schedule.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/vector"
)

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
)

const opRead byte = 0

type snapshot struct {
	bank, mode, reason string
	busy               bool
	lastStatus         byte
	err                error
}

// dashboard is the ebiten.Game implementation: a background goroutine polls
// the device over TCP and stores each snapshot under a mutex; Update is a
// no-op and Draw reads the latest snapshot, the way bus.Update in the
// teacher's console package is a no-op because the real driving happens on
// another goroutine.
type dashboard struct {
	mu   sync.Mutex
	snap snapshot
}

func (d *dashboard) set(s snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap = s
}

func (d *dashboard) get() snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

func (d *dashboard) Update() error { return nil }

func (d *dashboard) Layout(outsideWidth, outsideHeight int) (int, int) {
	return 320, 160
}

func (d *dashboard) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{20, 20, 24, 255})
	s := d.get()

	light := func(x float32, on bool, label string) {
		col := color.RGBA{60, 60, 60, 255}
		if on {
			col = color.RGBA{80, 220, 100, 255}
		}
		vector.DrawFilledCircle(screen, x, 40, 18, col, true)
		ebitenutil.DebugPrintAt(screen, label, int(x)-20, 64)
	}

	light(60, s.bank == "bank-a", "bank A")
	light(150, s.bank == "bank-b", "bank B")
	light(240, s.busy, "busy")

	status := fmt.Sprintf("mode=%s reason=%s last_status=%d", s.mode, s.reason, s.lastStatus)
	if s.err != nil {
		status = "error: " + s.err.Error()
	}
	ebitenutil.DebugPrintAt(screen, status, 10, 110)
}

func main() {
	addr := flag.String("tcp", "127.0.0.1:4242", "otafirmware attribute server address")
	interval := flag.Duration("interval", 500*time.Millisecond, "poll interval")
	flag.Parse()

	d := &dashboard{}
	go poll(*addr, *interval, d)

	ebiten.SetWindowSize(320, 160)
	ebiten.SetWindowTitle("otamonitor")
	if err := ebiten.RunGame(d); err != nil {
		log.Fatal(err)
	}
}

func poll(addr string, interval time.Duration, d *dashboard) {
	for {
		snap, err := fetch(addr)
		if err != nil {
			d.set(snapshot{err: err})
			time.Sleep(interval)
			continue
		}
		d.set(snap)
		time.Sleep(interval)
	}
}

func fetch(addr string) (snapshot, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return snapshot{}, err
	}
	defer conn.Close()

	bank, err := readStrAttr(conn, attrFlashBankStr)
	if err != nil {
		return snapshot{}, err
	}
	mode, err := readStrAttr(conn, attrFlashModeStr)
	if err != nil {
		return snapshot{}, err
	}
	reason, err := readStrAttr(conn, attrBootReasonStr)
	if err != nil {
		return snapshot{}, err
	}
	_, reply, err := roundTrip(conn, attrMain, opRead, nil)
	if err != nil || len(reply) < 2 {
		return snapshot{}, err
	}
	return snapshot{
		bank:       bank,
		mode:       mode,
		reason:     reason,
		busy:       reply[0] != 0,
		lastStatus: reply[1],
	}, nil
}

func readStrAttr(conn net.Conn, attr byte) (string, error) {
	_, reply, err := roundTrip(conn, attr, opRead, nil)
	return string(reply), err
}

func roundTrip(conn net.Conn, attr, op byte, payload []byte) (byte, []byte, error) {
	req := make([]byte, 4+len(payload))
	req[0] = attr
	req[1] = op
	binary.LittleEndian.PutUint16(req[2:4], uint16(len(payload)))
	copy(req[4:], payload)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, err
	}
	var hdr [3]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[1:3])
	reply := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, reply); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], reply, nil
}
