package device

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
)

var errInvalidPublicKey = errors.New("invalid public key")

func hexToBytes(dst []byte, src string) error {
	slice, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(slice) != len(dst) {
		return errors.New("hex string does not fit the slice")
	}
	copy(dst, slice)
	return nil
}

// Curve25519 private keys are clamped before use:
// the low 3 bits and the top bit are cleared and
// the second-highest bit is set.
func (key *NoisePrivateKey) clamp() {
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
}

func (key NoisePrivateKey) Equals(key2 NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], key2[:]) == 1
}

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return key.Equals(zero)
}

func (key *NoisePrivateKey) FromHex(src string) error {
	err := hexToBytes(key[:], src)
	key.clamp()
	return err
}

func (key NoisePublicKey) Equals(key2 NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], key2[:]) == 1
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key *NoisePublicKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}

// String returns an abbreviated base64 form suitable for logs.
func (key NoisePublicKey) String() string {
	b64 := base64.StdEncoding.EncodeToString(key[:])
	return b64[0:4] + "…" + b64[39:43]
}

func (key *NoisePresharedKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}

func NewPrivateKey() (NoisePrivateKey, error) {
	var key NoisePrivateKey
	_, err := rand.Read(key[:])
	key.clamp()
	return key, err
}

func (priv *NoisePrivateKey) publicKey() NoisePublicKey {
	var pub NoisePublicKey
	privBytes := (*[NoisePrivateKeySize]byte)(priv)
	pubBytes := (*[NoisePublicKeySize]byte)(&pub)
	curve25519.ScalarBaseMult(pubBytes, privBytes)
	return pub
}

func (priv *NoisePrivateKey) sharedSecret(pub NoisePublicKey) ([NoisePublicKeySize]byte, error) {
	privBytes := (*[NoisePrivateKeySize]byte)(priv)[:]
	pubBytes := (*[NoisePublicKeySize]byte)(&pub)[:]
	shared, err := curve25519.X25519(privBytes, pubBytes)
	if err != nil {
		return [NoisePublicKeySize]byte{}, errInvalidPublicKey
	}
	return [NoisePublicKeySize]byte(shared), nil
}

func isZero(val []byte) bool {
	acc := 1
	for _, b := range val {
		acc &= subtle.ConstantTimeByteEq(b, 0)
	}
	return acc == 1
}

// setZero overwrites key material in place. Buffers that carried
// private or preshared keys must pass through here on every exit
// path, including errors.
func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}
