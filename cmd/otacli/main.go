// Command otacli drives the attribute protocol exposed by cmd/otafirmware
// (or a real device's equivalent UART bridge) to push firmware over OTA and
// inspect boot state. It is the generalization of the teacher's
// cmd/cli/main.go: same flag-parsing and getPassword-style priority chain
// for the CMAC key, same chunked-push progress reporting, but driving the
// OTA attribute frames of this module instead of a telnet console.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/daedaluz/goserial"
	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/term"

	"openenterprise/otacore/auditlog"
	"openenterprise/otacore/cmac"
	"openenterprise/otacore/internal/simhw"
	"openenterprise/otacore/version"
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
	attrAuditDump
)

const (
	opRead byte = iota
	opWrite
)

const (
	opcodeRead = iota
	opcodeProgram
	opcodeErase
	opcodeVerify
	opcodeReboot
	opcodeConfirm
)

// transport abstracts the TCP simulator connection and a real serial port
// behind the one framed request/response exchange, the way the teacher's
// cli treats a telnet session and (via goserial, for a real board) a UART
// bridge as interchangeable.
type transport interface {
	io.ReadWriteCloser
}

func main() {
	tcpAddr := flag.String("tcp", "", "simulator address, e.g. 127.0.0.1:4242")
	serialPort := flag.String("serial", "", "serial device path for a real board, e.g. /dev/ttyACM0")
	baud := flag.Int("baud", 115200, "serial baud rate")
	keyHex := flag.String("key", "", "32 hex character CMAC key (or OTACORE_KEY env var; prompted if neither is set)")
	cmdName := flag.String("cmd", "info", "info | push | audit")
	firmwarePath := flag.String("firmware", "", "firmware image path for push")
	transcriptOut := flag.String("transcript", "", "if set, write an lz4-compressed transcript of the session to this path")
	flag.Parse()

	fmt.Fprintf(os.Stderr, "otacli %s (%s)\n", version.Version, version.BuildMarker)

	key, err := resolveKey(*keyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key:", err)
		os.Exit(1)
	}

	tr, err := dial(*tcpAddr, *serialPort, *baud)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer tr.Close()

	var transcript *bytes.Buffer
	if *transcriptOut != "" {
		transcript = &bytes.Buffer{}
	}
	c := &client{tr: tr, key: key, transcript: transcript}

	switch *cmdName {
	case "info":
		if err := c.info(); err != nil {
			fmt.Fprintln(os.Stderr, "info:", err)
			os.Exit(1)
		}
	case "push":
		if *firmwarePath == "" {
			fmt.Fprintln(os.Stderr, "push: -firmware is required")
			os.Exit(1)
		}
		if err := c.push(*firmwarePath); err != nil {
			fmt.Fprintln(os.Stderr, "push:", err)
			os.Exit(1)
		}
	case "audit":
		if err := c.audit(); err != nil {
			fmt.Fprintln(os.Stderr, "audit:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown -cmd:", *cmdName)
		os.Exit(1)
	}

	if transcript != nil {
		if err := writeCompressedTranscript(*transcriptOut, transcript.Bytes()); err != nil {
			fmt.Fprintln(os.Stderr, "transcript:", err)
		}
	}
}

// resolveKey follows the teacher's getPassword priority chain: explicit
// flag, then environment variable, then an interactive masked prompt via
// golang.org/x/term.
func resolveKey(flagVal string) ([16]byte, error) {
	var key [16]byte
	raw := flagVal
	if raw == "" {
		raw = os.Getenv("OTACORE_KEY")
	}
	if raw == "" {
		fmt.Fprint(os.Stderr, "CMAC key (hex): ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return key, err
		}
		raw = string(b)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != 16 {
		return key, errors.New("key must be 16 bytes (32 hex characters)")
	}
	copy(key[:], decoded)
	return key, nil
}

func dial(tcpAddr, serialPort string, baud int) (transport, error) {
	switch {
	case tcpAddr != "":
		return net.Dial("tcp", tcpAddr)
	case serialPort != "":
		port, err := goserial.Open(serialPort, nil)
		if err != nil {
			return nil, err
		}
		attrs, err := port.GetAttr2()
		if err != nil {
			port.Close()
			return nil, err
		}
		attrs.SetCustomIOSpeed(uint32(baud), uint32(baud))
		if err := port.SetAttr2(goserial.TCSANOW, attrs); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	default:
		return nil, errors.New("one of -tcp or -serial is required")
	}
}

type client struct {
	tr         transport
	key        [16]byte
	transcript *bytes.Buffer
}

func (c *client) roundTrip(attr, op byte, payload []byte) (status byte, reply []byte, err error) {
	req := make([]byte, 4+len(payload))
	req[0] = attr
	req[1] = op
	binary.LittleEndian.PutUint16(req[2:4], uint16(len(payload)))
	copy(req[4:], payload)

	if c.transcript != nil {
		c.transcript.WriteString(fmt.Sprintf("> attr=%d op=%d payload=%x\n", attr, op, payload))
	}

	if _, err := c.tr.Write(req); err != nil {
		return 0, nil, err
	}

	r := bufio.NewReader(c.tr)
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	status = hdr[0]
	n := binary.LittleEndian.Uint16(hdr[1:3])
	reply = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, reply); err != nil {
			return 0, nil, err
		}
	}

	if c.transcript != nil {
		c.transcript.WriteString(fmt.Sprintf("< status=%d reply=%x\n", status, reply))
	}
	return status, reply, nil
}

// sign computes T = CMAC(K, CMAC(K,cmd) || CMAC(K,io_or_zero) || challenge)
// using this module's own cmac package over a software AES-128 engine,
// following spec.md §4.5's construction exactly — the same construction
// command.Processor.authenticate verifies on the device side.
func (c *client) sign(cmdFrame, ioBuf, challenge []byte) ([16]byte, error) {
	var out [16]byte
	engine := simhw.AES{}

	hCmd, err := cmac.CMAC(engine, c.key, cmdFrame)
	if err != nil {
		return out, err
	}
	var hIO [16]byte
	if len(ioBuf) > 0 {
		hIO, err = cmac.CMAC(engine, c.key, ioBuf)
		if err != nil {
			return out, err
		}
	}
	var combined [48]byte
	copy(combined[0:16], hCmd[:])
	copy(combined[16:32], hIO[:])
	copy(combined[32:48], challenge)

	return cmac.CMAC(engine, c.key, combined[:])
}

func (c *client) readChallenge() ([16]byte, error) {
	var ch [16]byte
	_, reply, err := c.roundTrip(attrChallenge, opRead, nil)
	if err != nil {
		return ch, err
	}
	copy(ch[:], reply)
	return ch, nil
}

// writeMain authenticates and submits one command frame: fetch the current
// challenge, sign, write TOKEN, then write MAIN.
func (c *client) writeMain(cmdFrame, ioBuf []byte) (byte, error) {
	challenge, err := c.readChallenge()
	if err != nil {
		return 0, err
	}
	token, err := c.sign(cmdFrame, ioBuf, challenge[:])
	if err != nil {
		return 0, err
	}
	if _, _, err := c.roundTrip(attrToken, opWrite, token[:]); err != nil {
		return 0, err
	}
	status, _, err := c.roundTrip(attrMain, opWrite, cmdFrame)
	return status, err
}

func (c *client) pollMain() (busy bool, lastStatus byte, err error) {
	_, reply, err := c.roundTrip(attrMain, opRead, nil)
	if err != nil || len(reply) < 2 {
		return false, 0, err
	}
	return reply[0] != 0, reply[1], nil
}

func (c *client) info() error {
	_, bank, err := c.roundTrip(attrFlashBankStr, opRead, nil)
	if err != nil {
		return err
	}
	_, mode, err := c.roundTrip(attrFlashModeStr, opRead, nil)
	if err != nil {
		return err
	}
	_, reason, err := c.roundTrip(attrBootReasonStr, opRead, nil)
	if err != nil {
		return err
	}
	fmt.Printf("bank=%s mode=%s reason=%s\n", bank, mode, reason)
	return nil
}

// audit pulls the device's audit ring over attrAuditDump and decodes the
// [uint16 LE length][auditlog.EncodeEntry] records cmd/otafirmware wrote,
// printing one line per entry.
func (c *client) audit() error {
	_, dump, err := c.roundTrip(attrAuditDump, opRead, nil)
	if err != nil {
		return err
	}
	for len(dump) > 0 {
		if len(dump) < 2 {
			return errors.New("audit: truncated length prefix")
		}
		n := int(binary.LittleEndian.Uint16(dump[0:2]))
		dump = dump[2:]
		if len(dump) < n {
			return errors.New("audit: truncated entry")
		}
		entry, err := auditlog.DecodeEntry(dump[:n])
		if err != nil {
			return fmt.Errorf("audit: decode entry: %w", err)
		}
		dump = dump[n:]
		fmt.Printf("%s [%s] %s\n", entry.Time.Format(time.RFC3339Nano), entry.Level, entry.Msg)
	}
	return nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// push walks the full OTA flow of spec.md §8 scenario 2: erase the
// inactive bank, program it in chunks, verify, confirm.
func (c *client) push(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("firmware: %s (%s)\n", path, humanize.Bytes(uint64(len(data))))

	const bankAddr = 0x37000
	eraseLen := uint32(0x36000)

	if err := c.runAsync(append([]byte{opcodeErase}, append(le32(bankAddr), le32(eraseLen)...)...), nil); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	fmt.Println("erase complete")

	const chunkSize = 512
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if _, _, err := c.roundTrip(attrBuffer, opWrite, chunk); err != nil {
			return fmt.Errorf("write buffer: %w", err)
		}
		frame := append([]byte{opcodeProgram}, le32(uint32(bankAddr+off))...)
		status, err := c.writeMain(frame, chunk)
		if err != nil {
			return fmt.Errorf("program @0x%x: %w", bankAddr+off, err)
		}
		if status != 0 {
			return fmt.Errorf("program @0x%x: status %d", bankAddr+off, status)
		}
		fmt.Printf("\rprogrammed %s / %s", humanize.Bytes(uint64(end)), humanize.Bytes(uint64(len(data))))
	}
	fmt.Println()

	frame := append([]byte{opcodeVerify}, append(le32(bankAddr), le32(uint32(len(data)))...)...)
	if err := c.runAsync(frame, nil); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	_, digest, err := c.roundTrip(attrBuffer, opRead, nil)
	if err != nil {
		return err
	}
	fmt.Printf("verified digest=%x\n", digest)

	if err := c.runAsync([]byte{opcodeConfirm}, nil); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	fmt.Println("confirmed; device rebooting")
	return nil
}

// runAsync submits a command frame that completes asynchronously (ERASE,
// VERIFY, REBOOT, CONFIRM) and polls MAIN until the job finishes.
func (c *client) runAsync(frame, ioBuf []byte) error {
	status, err := c.writeMain(frame, ioBuf)
	if err != nil {
		return err
	}
	if status != 8 { // StatusPending
		return fmt.Errorf("status %d", status)
	}
	for {
		time.Sleep(20 * time.Millisecond)
		busy, lastStatus, err := c.pollMain()
		if err != nil {
			// A reboot/confirm tears down the connection; treat that as success.
			return nil
		}
		if !busy {
			if lastStatus != 2 { // job.StatusSuccess
				return fmt.Errorf("job finished with status %d", lastStatus)
			}
			return nil
		}
	}
}

func writeCompressedTranscript(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := lz4.NewWriter(f)
	defer w.Close()
	_, err = w.Write(data)
	return err
}
