// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package fileutils provides atomic file replacement and cross-process file locking.
package fileutils

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// BackupSuffix is appended to the path of the previous version kept by WriteFileWithBackup.
const BackupSuffix = ".backup"

// lockTimeout is the maximum time to wait for a file lock
const lockTimeout = 2 * time.Second

// AtomicWriteFile writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions on temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return nil
}

// WriteFileWithBackup copies the current content of path (if any) to
// path+BackupSuffix and then atomically replaces path with data.
func WriteFileWithBackup(path string, data []byte, perm os.FileMode) error {
	previous, err := os.ReadFile(path) // #nosec G304 - path is owned by the caller
	switch {
	case err == nil:
		if err := AtomicWriteFile(path+BackupSuffix, previous, perm); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("failed to read current file: %w", err)
	}
	return AtomicWriteFile(path, data, perm)
}

// WithFileLock runs fn while holding an exclusive advisory lock on path+".lock".
func WithFileLock(ctx context.Context, path string, fn func() error) error {
	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	return fn()
}
