// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package materialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AleutianAI/kiln/services/build/depmap"
	"github.com/AleutianAI/kiln/services/build/hasher"
	"github.com/AleutianAI/kiln/services/build/hotcache"
)

// Stamp is the commit record written beside a materialized tree.
type Stamp struct {
	Overlays []StampOverlay `json:"overlays"`
}

// StampOverlay records one overlay used to build a tree: the subtree at
// SrcSubpath of depmap DepmapHash is to be overlaid at DestSubpath.
type StampOverlay struct {
	DestSubpath depmap.Path `json:"dest_subpath"`
	SrcSubpath  depmap.Path `json:"src_subpath"`
	DepmapHash  hasher.Sum  `json:"depmap_hash"`
}

// readStamp returns the stamp for key, or nil when the tree is not
// committed. An unparseable stamp is treated as absent.
func readStamp(store *hotcache.Store, key hasher.Sum) (*Stamp, error) {
	data, err := os.ReadFile(store.StampPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stamp %s: %w", key, err)
	}
	var st Stamp
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// writeStamp commits the tree for key by linking a fully written stamp
// file into place. An existing stamp is kept.
func writeStamp(store *hotcache.Store, key hasher.Sum, st *Stamp) error {
	if st.Overlays == nil {
		st.Overlays = []StampOverlay{}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode stamp: %w", err)
	}
	f, err := store.TempFile()
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write stamp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync stamp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close stamp: %w", err)
	}
	return hotcache.LinkFile(tmp, store.StampPath(key))
}
