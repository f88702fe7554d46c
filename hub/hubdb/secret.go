// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"encoding/base64"

	"github.com/gtank/cryptopasta"
)

// secret encrypts the columns that must not be readable in the store:
// loader SQL and source passwords.
type secret struct {
	key [32]byte
}

// newSecret parses the base64 key from config.
func newSecret(encoded string) (*secret, error) {
	if encoded == "" {
		return nil, Error.New("encryption key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, Error.New("encryption key is not valid base64: %v", err)
	}
	if len(raw) != 32 {
		return nil, Error.New("encryption key must be 32 bytes, got %d", len(raw))
	}
	s := &secret{}
	copy(s.key[:], raw)
	return s, nil
}

// encryptString returns the base64 AES-GCM sealing of plaintext.
func (s *secret) encryptString(plaintext string) (string, error) {
	sealed, err := cryptopasta.Encrypt([]byte(plaintext), &s.key)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptString reverses encryptString.
func (s *secret) decryptString(ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", Error.Wrap(err)
	}
	plaintext, err := cryptopasta.Decrypt(sealed, &s.key)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(plaintext), nil
}
