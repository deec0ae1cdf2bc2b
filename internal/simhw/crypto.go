package simhw

import (
	"crypto/aes"
	"math/rand"
)

// AES is a software AES-128 engine satisfying platform.AESEngine, standing
// in for a hardware AES block the way the usbarmory-tamago caam driver uses
// crypto/aes purely to validate key/block sizes around its real hardware
// path; here crypto/aes does the actual encryption since no hardware
// engine exists on a host.
type AES struct{}

// Encrypt128 encrypts one 16-byte block under key.
func (AES) Encrypt128(key, plaintext [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], plaintext[:])
	return out, nil
}

// RNG is a math/rand-backed platform.RNG. It is not cryptographically
// secure; it stands in for the hardware TRNG spec.md §4.2 assumes, and
// must never back a production build.
type RNG struct {
	src *rand.Rand
}

// NewRNG seeds a simulated RNG from seed. Tests pass a fixed seed for
// reproducible challenge rotation.
func NewRNG(seed int64) *RNG {
	return &RNG{src: rand.New(rand.NewSource(seed))}
}

// Uint32 implements platform.RNG.
func (r *RNG) Uint32() uint32 {
	return r.src.Uint32()
}
