package cmac

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"
)

// stdAES backs platform.AESEngine with crypto/aes, so these tests exercise
// the real RFC 4493 Appendix 4 test vectors against this package's CMAC
// implementation, not a stand-in.
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

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	return b
}

func key16(t *testing.T) [16]byte {
	t.Helper()
	var k [16]byte
	copy(k[:], mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c"))
	return k
}

// RFC 4493 Appendix 4 test vectors (AES-128), the Mlen=0 and Mlen=16 cases.
func TestCMACRFC4493Vectors(t *testing.T) {
	key := key16(t)

	cases := []struct {
		name string
		msg  []byte
		want string
	}{
		{
			name: "Mlen=0",
			msg:  nil,
			want: "bb1d6929e95937287fa37d129b756746",
		},
		{
			name: "Mlen=16",
			msg:  mustHex(t, "6bc1bee22e409f96e93d7e117393172a"),
			want: "070a16b46b4d4144f79bdd9dd04a287c",
		},
	}

	for _, tc := range cases {
		got, err := CMAC(stdAES{}, key, tc.msg)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		want := mustHex(t, tc.want)
		if !bytes.Equal(got[:], want) {
			t.Errorf("%s: got %x want %x", tc.name, got, want)
		}
	}
}

func TestCMACDeterministic(t *testing.T) {
	key := key16(t)
	msg := []byte("program bank B at 0x37000")
	a, err := CMAC(stdAES{}, key, msg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CMAC(stdAES{}, key, msg)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("CMAC is not deterministic: %x != %x", a, b)
	}
}

func TestCMACSensitiveToSingleByte(t *testing.T) {
	key := key16(t)
	a, err := CMAC(stdAES{}, key, []byte("ERASE 0x37000 0x36000"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CMAC(stdAES{}, key, []byte("ERASE 0x37000 0x36001"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("CMAC collided on a one-byte difference")
	}
}

func TestDoubleKnownVector(t *testing.T) {
	// K1/K2 subkey derivation from RFC 4493 Appendix 4, AES-128 key above.
	key := key16(t)
	k1, k2, err := subkeys(stdAES{}, key)
	if err != nil {
		t.Fatal(err)
	}
	wantK1 := mustHex(t, "fbeed618357133667c85e08f7236a8de")
	wantK2 := mustHex(t, "f7ddac306ae266ccf90bc11ee46d513b")
	if !bytes.Equal(k1[:], wantK1) {
		t.Errorf("K1 = %x, want %x", k1, wantK1)
	}
	if !bytes.Equal(k2[:], wantK2) {
		t.Errorf("K2 = %x, want %x", k2, wantK2)
	}
}
