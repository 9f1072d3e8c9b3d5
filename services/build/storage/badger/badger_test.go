// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "", db.Path())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("v"), val)
			return nil
		})
	}))
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Batch(context.Background(), map[string][]byte{"a": []byte("1")}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	var got []byte
	require.NoError(t, db.Scan(context.Background(), []byte("a"), func(_, v []byte) error {
		got = append([]byte(nil), v...)
		return nil
	}))
	assert.Equal(t, []byte("1"), got)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestScanAndBatch(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	pairs := map[string][]byte{}
	for i := 0; i < 5; i++ {
		pairs[fmt.Sprintf("p/%d", i)] = []byte{byte(i)}
	}
	pairs["q/0"] = []byte{9}
	require.NoError(t, db.Batch(ctx, pairs))

	var keys []string
	require.NoError(t, db.Scan(ctx, []byte("p/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"p/0", "p/1", "p/2", "p/3", "p/4"}, keys)

	require.NoError(t, db.Batch(ctx, map[string][]byte{"p/0": nil}))
	keys = keys[:0]
	require.NoError(t, db.Scan(ctx, []byte("p/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Len(t, keys, 4)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, db.Scan(cancelled, nil, func(_, _ []byte) error { return nil }))
}
