// Package cal implements a small persistent calibration-area store backed
// by bbolt. On the original hardware this data lived in a dedicated flash
// CAL partition; there is no portable Go/Linux-userspace equivalent of
// that block device, so this package repurposes the teacher's
// bucket-per-concern BoltDB pattern to give the same versioned,
// crash-consistent small-record semantics.
//
// Two buckets are maintained:
//   - "poweron-timer": the versioned power-on-time accounting record
//     consumed by internal/poweron.
//   - "r&d_mode": the set of research-and-development mode flags that
//     disable individual watchdog devices; cmd/dsmed reads them and
//     passes the lookup to internal/hwwd.Open.
package cal

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPowerOnTimer = []byte("poweron-timer")
	bucketRnDMode      = []byte("r&d_mode")
)

// Store wraps a bbolt database holding DSME's calibration blocks.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the CAL store at path and ensures
// all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("cal.Open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPowerOnTimer, bucketRnDMode} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cal.Open: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetPowerOnRecord reads the raw versioned power-on-timer block. Returns
// (nil, nil) if no record has ever been written — callers should treat
// that as "start from zero".
func (s *Store) GetPowerOnRecord() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPowerOnTimer).Get([]byte("record"))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cal.GetPowerOnRecord: %w", err)
	}
	return out, nil
}

// PutPowerOnRecord writes the raw versioned power-on-timer block.
func (s *Store) PutPowerOnRecord(data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPowerOnTimer).Put([]byte("record"), data)
	})
	if err != nil {
		return fmt.Errorf("cal.PutPowerOnRecord: %w", err)
	}
	return nil
}

// GetRnDFlag reports whether the named research-and-development mode
// flag is set (e.g. "no-omap-wd", "no-ext-wd", "no-rebootloop").
func (s *Store) GetRnDFlag(name string) (bool, error) {
	var set bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRnDMode).Get([]byte(name))
		set = v != nil && len(v) == 1 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cal.GetRnDFlag(%s): %w", name, err)
	}
	return set, nil
}

// SetRnDFlag sets or clears the named research-and-development mode flag.
func (s *Store) SetRnDFlag(name string, on bool) error {
	val := []byte{0}
	if on {
		val = []byte{1}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRnDMode).Put([]byte(name), val)
	})
	if err != nil {
		return fmt.Errorf("cal.SetRnDFlag(%s): %w", name, err)
	}
	return nil
}
