package fhe

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// Keypair is a single-use X25519 keypair scoping one decryption authorization.
type Keypair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

func GenerateKeypair(r io.Reader) (Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return Keypair{}, fmt.Errorf("fhe: generate keypair: %w", err)
	}
	kp := Keypair{PublicKey: *pub, PrivateKey: *priv}
	clear(priv[:])
	return kp, nil
}

func (k Keypair) PublicKeyHex() string { return hex.EncodeToString(k.PublicKey[:]) }

// Wipe zeroes the private key.
func (k *Keypair) Wipe() {
	clear(k.PrivateKey[:])
}

// OpenSealed opens a value sealed to k.PublicKey.
func (k Keypair) OpenSealed(sealed []byte) ([]byte, bool) {
	return box.OpenAnonymous(nil, sealed, &k.PublicKey, &k.PrivateKey)
}
