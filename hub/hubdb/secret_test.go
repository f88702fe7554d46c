// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package hubdb

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestSecretRoundtrip(t *testing.T) {
	sec, err := newSecret(testKey())
	require.NoError(t, err)

	sealed, err := sec.encryptString("SELECT ts, val FROM orders")
	require.NoError(t, err)
	require.NotEqual(t, "SELECT ts, val FROM orders", sealed)

	plain, err := sec.decryptString(sealed)
	require.NoError(t, err)
	require.Equal(t, "SELECT ts, val FROM orders", plain)
}

func TestSecretRejectsBadKeys(t *testing.T) {
	_, err := newSecret("")
	require.Error(t, err)

	_, err = newSecret("not base64 !!!")
	require.Error(t, err)

	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err = newSecret(short)
	require.Error(t, err)
}

func TestSecretRejectsTamperedCiphertext(t *testing.T) {
	sec, err := newSecret(testKey())
	require.NoError(t, err)

	sealed, err := sec.encryptString("password")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = sec.decryptString(base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)
}
