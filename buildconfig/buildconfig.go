// Package buildconfig carries the build-time configuration spec.md §6
// requires: the shared CMAC key, the bank identity baked into an image, the
// flash bank geometry, and IOBufSize. It follows the teacher's
// config/config.go convention of go:embed'ing small text files rather than
// hardcoding constants, so a build pipeline can swap in per-device values
// without touching Go source.
package buildconfig

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"openenterprise/otacore/platform"
)

var (
	//go:embed key.text
	keyHex string

	//go:embed bank_identity.text
	bankIdentity string

	//go:embed bank_a_entry.text
	bankAEntry string

	//go:embed bank_b_entry.text
	bankBEntry string

	//go:embed bank_size.text
	bankSize string

	//go:embed erase_block_size.text
	eraseBlockSize string

	//go:embed eeprom_addr.text
	eepromAddr string

	//go:embed eeprom_page_size.text
	eepromPageSize string

	//go:embed io_buf_size.text
	ioBufSize string
)

// Key returns the 128-bit shared CMAC key, decoded from a 32-character hex
// string.
func Key() ([16]byte, error) {
	var key [16]byte
	raw, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return key, err
	}
	if len(raw) != 16 {
		return key, errors.New("buildconfig: key.text must decode to 16 bytes")
	}
	copy(key[:], raw)
	return key, nil
}

// BankIdentity returns which bank this image was built for ("A" or "B"),
// so the running application knows its own bank without reading EEPROM
// (spec.md §6).
func BankIdentity() (platform.Bank, error) {
	switch strings.TrimSpace(bankIdentity) {
	case "A", "a":
		return platform.BankA, nil
	case "B", "b":
		return platform.BankB, nil
	default:
		return 0, errors.New("buildconfig: bank_identity.text must be \"A\" or \"B\"")
	}
}

func parseUint32(s, field string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, errors.New("buildconfig: " + field + ": " + err.Error())
	}
	return uint32(v), nil
}

// Geometry assembles the flash bank geometry from its embedded text files.
func Geometry() (platform.Geometry, error) {
	var g platform.Geometry
	var err error

	if g.BankAEntry, err = parseUint32(bankAEntry, "bank_a_entry.text"); err != nil {
		return g, err
	}
	if g.BankBEntry, err = parseUint32(bankBEntry, "bank_b_entry.text"); err != nil {
		return g, err
	}
	if g.BankSize, err = parseUint32(bankSize, "bank_size.text"); err != nil {
		return g, err
	}
	if g.EraseBlockSize, err = parseUint32(eraseBlockSize, "erase_block_size.text"); err != nil {
		return g, err
	}
	if g.EEPROMAddr, err = parseUint32(eepromAddr, "eeprom_addr.text"); err != nil {
		return g, err
	}
	pageSize, err := parseUint32(eepromPageSize, "eeprom_page_size.text")
	if err != nil {
		return g, err
	}
	g.EEPROMPageSize = pageSize

	bufSize, err := parseUint32(ioBufSize, "io_buf_size.text")
	if err != nil {
		return g, err
	}
	g.IOBufSize = int(bufSize)

	return g, nil
}
