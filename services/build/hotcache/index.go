// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hotcache

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	kbadger "github.com/AleutianAI/kiln/services/build/storage/badger"
)

const (
	accessKeyPrefix   = "atime/"
	accessFlushPeriod = 1024
)

// AccessIndex records when cache entries were last used.
//
// Description:
//
//	Touches are buffered in memory and written to BadgerDB in batches,
//	either when the buffer fills or on Flush. Keys are cache-root-relative
//	slash paths; values are Unix nanosecond timestamps. The garbage
//	collector treats entries without a record as last used at their file
//	modification time.
//
// Thread Safety:
//
//	Safe for concurrent use.
type AccessIndex struct {
	db      *kbadger.DB
	mu      sync.Mutex
	pending map[string]int64
	now     func() time.Time
}

// NewAccessIndex wraps an open database. The index owns db and closes it.
func NewAccessIndex(db *kbadger.DB) *AccessIndex {
	return &AccessIndex{db: db, pending: make(map[string]int64), now: time.Now}
}

// Touch records a use of rel at the current time.
func (x *AccessIndex) Touch(rel string) {
	x.mu.Lock()
	x.pending[rel] = x.now().UnixNano()
	full := len(x.pending) >= accessFlushPeriod
	x.mu.Unlock()
	if full {
		// Buffered touches are advisory; a failed flush is retried on the next one.
		_ = x.Flush(context.Background())
	}
}

// Flush writes buffered touches to the database.
func (x *AccessIndex) Flush(ctx context.Context) error {
	x.mu.Lock()
	if len(x.pending) == 0 {
		x.mu.Unlock()
		return nil
	}
	batch := make(map[string][]byte, len(x.pending))
	for rel, ts := range x.pending {
		batch[accessKeyPrefix+rel] = binary.BigEndian.AppendUint64(nil, uint64(ts))
	}
	pending := x.pending
	x.pending = make(map[string]int64)
	x.mu.Unlock()

	if err := x.db.Batch(ctx, batch); err != nil {
		x.mu.Lock()
		for rel, ts := range pending {
			if cur, ok := x.pending[rel]; !ok || cur < ts {
				x.pending[rel] = ts
			}
		}
		x.mu.Unlock()
		return err
	}
	return nil
}

// LastUsed returns the recorded last use of rel.
func (x *AccessIndex) LastUsed(ctx context.Context, rel string) (time.Time, bool, error) {
	x.mu.Lock()
	ts, ok := x.pending[rel]
	x.mu.Unlock()
	if ok {
		return time.Unix(0, ts), true, nil
	}

	err := x.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(accessKeyPrefix + rel))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				ts = int64(binary.BigEndian.Uint64(val))
				ok = true
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ts), ok, nil
}

// Forget deletes the records of rels.
func (x *AccessIndex) Forget(ctx context.Context, rels []string) error {
	if len(rels) == 0 {
		return nil
	}
	batch := make(map[string][]byte, len(rels))
	x.mu.Lock()
	for _, rel := range rels {
		delete(x.pending, rel)
		batch[accessKeyPrefix+rel] = nil
	}
	x.mu.Unlock()
	return x.db.Batch(ctx, batch)
}

// Close flushes pending touches and closes the database.
func (x *AccessIndex) Close() error {
	flushErr := x.Flush(context.Background())
	closeErr := x.db.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
