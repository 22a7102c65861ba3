package device

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestKeysFromHex(t *testing.T) {
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	var sk2 NoisePrivateKey
	if err := sk2.FromHex(hex.EncodeToString(sk[:])); err != nil {
		t.Fatalf("private FromHex: %v", err)
	}
	// sk is already clamped, so the round trip is exact.
	if !sk2.Equals(sk) {
		t.Fatal("private key round trip mismatch")
	}

	pub := sk.publicKey()
	var pub2 NoisePublicKey
	if err := pub2.FromHex(hex.EncodeToString(pub[:])); err != nil {
		t.Fatalf("public FromHex: %v", err)
	}
	if !pub2.Equals(pub) {
		t.Fatal("public key round trip mismatch")
	}

	var psk NoisePresharedKey
	if err := psk.FromHex(strings.Repeat("ab", NoisePresharedKeySize)); err != nil {
		t.Fatalf("preshared FromHex: %v", err)
	}
	for _, b := range psk {
		if b != 0xAB {
			t.Fatalf("preshared key byte = %#x, want 0xab", b)
		}
	}

	if err := pub2.FromHex("zz"); err == nil {
		t.Fatal("bad hex accepted")
	}
	if err := pub2.FromHex("abcd"); err == nil {
		t.Fatal("short hex accepted")
	}
}

func TestPrivateKeyClamp(t *testing.T) {
	var sk NoisePrivateKey
	if err := sk.FromHex(strings.Repeat("ff", NoisePrivateKeySize)); err != nil {
		t.Fatal(err)
	}
	if sk[0]&7 != 0 {
		t.Fatalf("low bits not cleared: %#x", sk[0])
	}
	if sk[31]&128 != 0 || sk[31]&64 == 0 {
		t.Fatalf("high bits not clamped: %#x", sk[31])
	}
}
