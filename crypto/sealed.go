// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// SnapshotRecipient is an age x25519 keypair for sealed snapshot
// exchange. The identity string stays with its owner; the recipient
// string is safe to publish.
type SnapshotRecipient struct {
	// Identity is the secret key in AGE-SECRET-KEY-1... form.
	Identity string

	// Recipient is the public key in age1... form.
	Recipient string
}

// GenerateSnapshotRecipient creates a keypair for receiving sealed
// snapshots.
func GenerateSnapshotRecipient() (SnapshotRecipient, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return SnapshotRecipient{}, fmt.Errorf("generating age keypair: %w", err)
	}
	return SnapshotRecipient{
		Identity:  identity.String(),
		Recipient: identity.Recipient().String(),
	}, nil
}

// SealSnapshot encrypts a document snapshot to one or more age
// recipients and returns base64 ciphertext suitable for pasting into
// any side channel. At least one recipient is required.
func SealSnapshot(snapshot []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(snapshot); err != nil {
		return "", fmt.Errorf("writing snapshot to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// OpenSnapshot decrypts a sealed snapshot with the receiver's age
// identity.
func OpenSnapshot(sealed string, identityKey string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(identityKey)
	if err != nil {
		return nil, fmt.Errorf("parsing identity key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed snapshot: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting snapshot: %w", err)
	}
	snapshot, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted snapshot: %w", err)
	}
	return snapshot, nil
}
