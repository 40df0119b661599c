// Package media implements the flat-file media layout spec.md §4.9
// migration 2→3 moves blobs into: mediaid_file keeps the lookup key but
// an empty value, and the bytes live under <data_dir>/media/<hex(key)>.
package media

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgerwatch/matrixcore/internal/errors"
	"github.com/ledgerwatch/matrixcore/kv"
)

// Store is the C4.9-adjacent media blob store: mediaid_file is the
// lookup index (MXC ‖ width ‖ height ‖ filename ‖ content_type -> ""),
// and the payload itself lives in a flat file named by the hex of the
// lookup key.
type Store struct {
	mediaidFile kv.Tree
	dataDir     string
}

func Open(mediaidFile kv.Tree, dataDir string) *Store {
	return &Store{mediaidFile: mediaidFile, dataDir: dataDir}
}

func (s *Store) path(key []byte) string {
	return filepath.Join(s.dataDir, "media", hex.EncodeToString(key))
}

// Put stores file under key, writing the payload to the flat file and
// recording an empty marker in mediaid_file.
func (s *Store) Put(key, file []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}
	if err := os.WriteFile(path, file, 0o600); err != nil {
		return fmt.Errorf("writing media file: %w", err)
	}
	return s.mediaidFile.Insert(key, nil)
}

// Get returns the file bytes for key, or nil if key is unknown.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.mediaidFile.Get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	if len(v) > 0 {
		// Pre-migration row: the blob still lives inline in the KV
		// value (spec.md §4.9 migration 2→3, pre-migration shape).
		return v, nil
	}
	file, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.BadDatabase(fmt.Errorf("media flat file missing for key %x: %w", key, err))
		}
		return nil, err
	}
	return file, nil
}

// MigrateToFlatFiles implements spec.md §4.9 migration 2→3: every
// mediaid_file row still holding an inline blob gets the blob written
// out to its flat file and the KV value cleared. Idempotent: a row
// already holding an empty value is left untouched.
func MigrateToFlatFiles(mediaidFile kv.Tree, dataDir string) error {
	s := Open(mediaidFile, dataDir)

	var keys [][]byte
	var blobs [][]byte
	err := mediaidFile.Iter(func(k, v []byte) (bool, error) {
		if len(v) == 0 {
			return true, nil
		}
		keys = append(keys, append([]byte(nil), k...))
		blobs = append(blobs, append([]byte(nil), v...))
		return true, nil
	})
	if err != nil {
		return err
	}

	for i, key := range keys {
		path := s.path(key)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("creating media directory: %w", err)
		}
		if err := os.WriteFile(path, blobs[i], 0o600); err != nil {
			return fmt.Errorf("writing media file: %w", err)
		}
		if err := mediaidFile.Insert(key, nil); err != nil {
			return err
		}
	}
	return nil
}
