// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Key layout in the metadata index:
//
//	seq                  -> next sequence number (8 bytes big endian)
//	snap/{seq:20d}       -> Snapshot JSON
//	id/{snapshot id}     -> sequence number (8 bytes big endian)
//
// The fixed-width decimal sequence in snap/ keys makes badger's
// lexicographic iteration equal chain order.
const (
	seqKey     = "seq"
	snapPrefix = "snap/"
	idPrefix   = "id/"
)

// index is the badger-backed snapshot metadata store.
type index struct {
	db *badger.DB
}

// indexConfig configures the metadata index.
type indexConfig struct {
	// Path is the directory for badger files. Ignored when InMemory.
	Path string
	// InMemory enables in-memory mode for testing.
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
	// Logger receives badger's internal logging; nil disables it.
	Logger *slog.Logger
}

// openIndex opens the metadata index, creating the directory if needed.
func openIndex(cfg indexConfig) (*index, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("index path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	return &index{db: db}, nil
}

// Close closes the underlying database.
func (ix *index) Close() error {
	return ix.db.Close()
}

// NextSeq atomically allocates the next sequence number.
func (ix *index) NextSeq() (uint64, error) {
	var seq uint64
	err := ix.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(seqKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			seq = 1
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				seq = binary.BigEndian.Uint64(val) + 1
				return nil
			}); err != nil {
				return err
			}
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return txn.Set([]byte(seqKey), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}
	return seq, nil
}

// Put stores a snapshot's metadata and its id lookup entry.
func (ix *index) Put(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	err = ix.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapKeyBytes(snap.Seq), data); err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, snap.Seq)
		return txn.Set([]byte(idPrefix+string(snap.ID)), buf)
	})
	if err != nil {
		return fmt.Errorf("storing snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get returns the snapshot with the given id, or ErrNotFound.
func (ix *index) Get(id SnapshotID) (Snapshot, error) {
	var snap Snapshot
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + string(id)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var seq uint64
		if err := item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}

		snapItem, err := txn.Get(snapKeyBytes(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return snapItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	return snap, nil
}

// List returns snapshots most recent first, up to limit. A limit of 0
// means no limit.
func (ix *index) List(limit int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(snapPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the prefix range
		seek := append([]byte(snapPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(snapPrefix)); it.Next() {
			if limit > 0 && len(snaps) >= limit {
				break
			}
			var snap Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// Delete removes a snapshot's metadata and id lookup entry.
func (ix *index) Delete(snap Snapshot) error {
	err := ix.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(snapKeyBytes(snap.Seq)); err != nil {
			return err
		}
		return txn.Delete([]byte(idPrefix + string(snap.ID)))
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// snapKeyBytes builds the fixed-width snap/ key for a sequence number.
func snapKeyBytes(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", snapPrefix, seq))
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
