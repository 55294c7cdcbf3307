// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/stacklok/authcore/pkg/fileutils"
	"github.com/stacklok/authcore/pkg/logger"
)

const (
	documentVersion = 1
	filePermissions = 0o600
	dirPermissions  = 0o700
)

// tokenDocument is the on-disk form of the token/session store.
type tokenDocument struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Tokens    []*TokenInfo       `json:"tokens"`
	Sessions  []*OAuthSession    `json:"sessions"`
	Metadata  []*SessionMetadata `json:"metadata"`
}

// clientDocument is the on-disk form of the client store.
type clientDocument struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Clients   []*ClientMetadata `json:"clients"`
}

// encryptedEnvelope wraps a sealed document.
type encryptedEnvelope struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Encrypted bool      `json:"encrypted"`
	Payload   string    `json:"payload"`
}

// filePersister reads and writes one JSON document, sealing it when a
// cipher is configured. Writes take an advisory file lock, are atomic, and
// keep the previous version next to the file with a .backup suffix.
type filePersister struct {
	path   string
	cipher *Cipher
}

func newFilePersister(path string, cipher *Cipher) (*filePersister, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &filePersister{path: path, cipher: cipher}, nil
}

// load decodes the document into out. A missing file reports false with no error.
func (p *filePersister) load(out any) (bool, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	if len(raw) == 0 {
		return false, nil
	}

	var envelope encryptedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", p.path, err)
	}

	if envelope.Encrypted {
		if p.cipher == nil {
			return false, fmt.Errorf("%s is encrypted but no encryption key is configured", p.path)
		}
		plaintext, err := p.cipher.Open(envelope.Payload)
		if err != nil {
			return false, err
		}
		raw = plaintext
	} else if p.cipher != nil {
		logger.Warnw("storage file is not encrypted; it will be encrypted on next write", "path", p.path)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", p.path, err)
	}
	return true, nil
}

// save encodes doc and replaces the file.
func (p *filePersister) save(doc any, updatedAt time.Time) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if p.cipher != nil {
		sealed, err := p.cipher.Seal(payload)
		if err != nil {
			return err
		}
		payload, err = json.Marshal(encryptedEnvelope{
			Version:   documentVersion,
			UpdatedAt: updatedAt,
			Encrypted: true,
			Payload:   sealed,
		})
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
	}

	return fileutils.WithFileLock(context.Background(), p.path, func() error {
		return fileutils.WriteFileWithBackup(p.path, payload, filePermissions)
	})
}
