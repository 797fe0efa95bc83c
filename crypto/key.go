// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// KeyMaterialSize is the length of room key material in bytes. The AES
// key is derived from the material, not used directly, so rotating the
// derivation info string rotates every key without new material.
const KeyMaterialSize = 32

// keyDerivationInfo binds derived keys to this protocol. Changing it
// invalidates all existing room keys.
const keyDerivationInfo = "syncpad/room-key/v1"

// nonceSize is the AES-GCM nonce length.
const nonceSize = 12

// tagSize is the AES-GCM authentication tag length.
const tagSize = 16

// ErrAuthentication is returned by Decrypt when the ciphertext fails
// GCM authentication: wrong key, truncated message, or tampering.
// Receivers drop the message and continue.
var ErrAuthentication = errors.New("crypto: message authentication failed")

// Box is an encrypted payload as it appears on the wire. The GCM tag
// is carried separately from the ciphertext so the wire contract is
// explicit about all three parts.
type Box struct {
	Ciphertext []byte `cbor:"ct"`
	Nonce      []byte `cbor:"iv"`
	Tag        []byte `cbor:"tag"`
}

// Key is an imported room key: the AEAD derived from the key material
// plus the material itself for export and fingerprinting.
type Key struct {
	aead        cipher.AEAD
	material    []byte
	fingerprint string
}

// GenerateKeyMaterial returns fresh random room key material.
func GenerateKeyMaterial() ([]byte, error) {
	material := make([]byte, KeyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return material, nil
}

// ImportKey derives an AES-256-GCM key from room key material via
// HKDF-SHA256.
func ImportKey(material []byte) (*Key, error) {
	if len(material) != KeyMaterialSize {
		return nil, fmt.Errorf("key material must be %d bytes, got %d", KeyMaterialSize, len(material))
	}

	derived := make([]byte, 32)
	reader := hkdf.New(sha256.New, material, nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("deriving AES key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("initializing AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}

	// Fingerprint the material, not the derived key, so peers can
	// compare fingerprints regardless of derivation version.
	sum := blake3.Sum256(material)
	owned := make([]byte, KeyMaterialSize)
	copy(owned, material)

	return &Key{
		aead:        aead,
		material:    owned,
		fingerprint: hex.EncodeToString(sum[:8]),
	}, nil
}

// ImportKeyBase64 imports key material from its base64 transport form
// (invite links, rekey payloads).
func ImportKeyBase64(encoded string) (*Key, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key material: %w", err)
	}
	return ImportKey(material)
}

// ExportBase64 returns the key material in its base64 transport form.
func (k *Key) ExportBase64() string {
	return base64.StdEncoding.EncodeToString(k.material)
}

// Fingerprint returns a short hex identifier of the key, safe for logs
// and diagnostics.
func (k *Key) Fingerprint() string { return k.fingerprint }

// Encrypt seals plaintext under the key with a fresh random nonce.
func (k *Key) Encrypt(plaintext []byte) (Box, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Box{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := k.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize
	return Box{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a Box. Returns ErrAuthentication when the message was
// sealed under a different key or has been tampered with.
func (k *Key) Decrypt(box Box) ([]byte, error) {
	if len(box.Nonce) != nonceSize || len(box.Tag) != tagSize {
		return nil, ErrAuthentication
	}

	sealed := make([]byte, 0, len(box.Ciphertext)+tagSize)
	sealed = append(sealed, box.Ciphertext...)
	sealed = append(sealed, box.Tag...)

	plaintext, err := k.aead.Open(nil, box.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
