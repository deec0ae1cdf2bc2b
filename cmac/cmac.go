// Package cmac implements AES-128 CMAC (RFC 4493) over the hardware AES
// block primitive (C2 in the design). It never allocates beyond what the
// caller passes in; every intermediate block is a [16]byte stack array.
package cmac

import "openenterprise/otacore/platform"

const blockSize = 16

// rb is the GF(2^128) reduction constant used by the doubling operation
// (RFC 4493 §2.3).
const rb = 0x87

// Encrypt128 is a thin wrapper over the hardware AES engine.
func Encrypt128(engine platform.AESEngine, key, plaintext [16]byte) ([16]byte, error) {
	return engine.Encrypt128(key, plaintext)
}

// double implements the RFC 4493 left-shift-and-conditionally-XOR
// operation over GF(2^128).
func double(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[15] ^= rb
	}
	return out
}

func xorBlock(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// subkeys derives K1 and K2 from AES-128(key, 0^16) per RFC 4493 §2.3.
func subkeys(engine platform.AESEngine, key [16]byte) (k1, k2 [16]byte, err error) {
	var zero [16]byte
	l, err := engine.Encrypt128(key, zero)
	if err != nil {
		return k1, k2, err
	}
	k1 = double(l)
	k2 = double(k1)
	return k1, k2, nil
}

// CMAC computes the AES-128 CMAC of msg under key, using engine for the
// underlying block encryptions. Implements the three last-block cases of
// spec.md §4.2 exactly:
//
//	len == 0:          single block 0x80 00...00 XOR K2
//	len%16==0, len>0:   last message block XOR K1
//	otherwise:          last partial block, 0x80-padded, XOR K2
//
// All blocks are CBC-chained with a zero IV; the final ciphertext is the MAC.
func CMAC(engine platform.AESEngine, key [16]byte, msg []byte) ([16]byte, error) {
	k1, k2, err := subkeys(engine, key)
	if err != nil {
		return [16]byte{}, err
	}

	n := (len(msg) + blockSize - 1) / blockSize
	var lastBlockComplete bool
	if n == 0 {
		n = 1
		lastBlockComplete = false
	} else {
		lastBlockComplete = len(msg)%blockSize == 0
	}

	var x [16]byte // CBC chaining state, starts at the zero IV
	for i := 0; i < n-1; i++ {
		block := blockAt(msg, i)
		y := xorBlock(x, block)
		x, err = engine.Encrypt128(key, y)
		if err != nil {
			return [16]byte{}, err
		}
	}

	last := lastBlock(msg, n-1, lastBlockComplete)
	var tweak [16]byte
	if lastBlockComplete {
		tweak = k1
	} else {
		tweak = k2
	}
	y := xorBlock(xorBlock(last, tweak), x)
	mac, err := engine.Encrypt128(key, y)
	if err != nil {
		return [16]byte{}, err
	}
	return mac, nil
}

// blockAt returns the 16-byte block at index i in msg; i must not be the
// final (possibly partial) block.
func blockAt(msg []byte, i int) [16]byte {
	var b [16]byte
	copy(b[:], msg[i*blockSize:(i+1)*blockSize])
	return b
}

// lastBlock returns the final block, 0x80-padded if the message does not
// end on a block boundary (or is empty).
func lastBlock(msg []byte, i int, complete bool) [16]byte {
	var b [16]byte
	if complete {
		copy(b[:], msg[i*blockSize:(i+1)*blockSize])
		return b
	}
	rest := msg[i*blockSize:]
	copy(b[:], rest)
	b[len(rest)] = 0x80
	return b
}
