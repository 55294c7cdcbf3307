// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

const (
	keyringService = "authcore"
	keyringUser    = "storage-encryption-key"
)

// ResolveEncryptionKey fills Storage.EncryptionKey for the file-backed
// backends when it was not configured. The key is read from the OS keyring;
// if the keyring is reachable but holds no key, a new one is generated and
// stored there. Without a keyring the documents are written in plaintext.
func (c *Config) ResolveEncryptionKey() error {
	if c.Storage.EncryptionKey != "" {
		return nil
	}
	if t := c.StorageType(); t != storage.TypeFile && t != storage.TypeHybrid {
		return nil
	}

	secret, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		c.Storage.EncryptionKey = secret
		return nil
	}

	if errors.Is(err, keyring.ErrNotFound) {
		secret = rand.Text()
		logger.Info("writing storage encryption key to os keyring")
		if err := keyring.Set(keyringService, keyringUser, secret); err != nil {
			return fmt.Errorf("failed to store encryption key in keyring: %w", err)
		}
		c.Storage.EncryptionKey = secret
		return nil
	}

	// Assume any other keyring error means keyring is not available
	logger.Warnw("OS keyring is not available; storage files will not be encrypted", "error", err)
	return nil
}

// ResetEncryptionKey removes the stored key from the OS keyring.
func ResetEncryptionKey() error {
	if err := keyring.Delete(keyringService, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
