// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher(t *testing.T) {
	t.Parallel()

	c, err := NewCipher([]byte("secret"))
	require.NoError(t, err)

	a, err := c.Seal([]byte("payload"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("payload"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal uses a fresh nonce")

	plain, err := c.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	other, err := NewCipher([]byte("another secret"))
	require.NoError(t, err)
	_, err = other.Open(a)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Open("not base64!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	_, err = c.Open("AAAA")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = NewCipher(nil)
	assert.Error(t, err)
}
