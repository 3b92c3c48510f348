// Package filestore keeps the license in a single JSON file, optionally
// sealed to the machine.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"licensegate/internal/fileutil"
	"licensegate/internal/license"
	"licensegate/internal/persis"
)

const licenseFile = "license.json"

// Store implements license.Store on one file in dir.
type Store struct {
	dir    string
	sealer persis.Sealer
	mu     sync.RWMutex
}

var _ license.Store = (*Store)(nil)

// New creates a file store in dir. A nil sealer stores plain JSON.
func New(dir string, sealer persis.Sealer) *Store {
	return &Store{dir: dir, sealer: sealer}
}

// Path returns the license file location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, licenseFile)
}

// Load returns nil, nil when the file does not exist. A file that exists but
// cannot be opened, decoded or validated is reported as corrupt.
func (s *Store) Load(ctx context.Context) (*license.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.Path()) //nolint:gosec // path is built from the configured data dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, license.NewError(license.KindStorage, "read license file", err)
	}

	return persis.Decode(data, s.sealer)
}

// Store replaces the license file atomically.
func (s *Store) Store(ctx context.Context, lic *license.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := persis.Encode(lic, s.sealer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fileutil.WriteFileAtomic(s.Path(), data, fileutil.FilePerm); err != nil {
		return license.NewError(license.KindStorage, "write license file", err)
	}
	return nil
}

// Delete removes the license file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fileutil.RemoveIfExists(s.Path()); err != nil {
		return license.NewError(license.KindStorage, "remove license file", fmt.Errorf("%s: %w", s.Path(), err))
	}
	return nil
}
