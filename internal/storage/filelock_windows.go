//go:build windows

package storage

import (
	"context"
	"fmt"
	"os"
)

// acquireFileLock opens the lock file. Cross-process locking is not
// implemented on Windows; the in-process mutex still serializes writers.
func acquireFileLock(_ context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func releaseFileLock(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
