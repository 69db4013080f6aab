// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiskStore_SaveLoadDelete(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	cpt := &RangeCheckpoint{
		Index:       1,
		Key:         "cfg/reader-0",
		FeedbackKey: 7,
		HashKey:     "abc",
		SequenceID:  3,
		ReadOffset:  100,
		ReadLength:  50,
	}
	cpt.Bind(store)
	cpt.Commit()

	got, err := store.Load("cfg/reader-0")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Index != 1 || got.HashKey != "abc" || got.SequenceID != 3 ||
		got.ReadOffset != 100 || got.ReadLength != 50 || !got.Committed {
		t.Fatalf("loaded checkpoint mismatch: %+v", got)
	}

	if err := store.Delete("cfg/reader-0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load("cfg/reader-0"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiskStore_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	cpt := &RangeCheckpoint{Key: "k", HashKey: "h"}
	cpt.Bind(store)
	cpt.Prepare()
	cpt.Commit()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".new") {
			t.Fatalf("temp file %s must not survive a completed save", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "k.json")); err != nil {
		t.Fatalf("expected checkpoint file: %v", err)
	}
}

func TestRangeCheckpoint_PrepareCommitSequence(t *testing.T) {
	cpt := &RangeCheckpoint{Key: "k", HashKey: "h", Committed: true,
		Positions: []Position{{Offset: 1, Length: 2}}}
	cpt.Prepare()
	if cpt.Committed {
		t.Fatalf("Prepare must lower committed")
	}
	if len(cpt.Positions) != 0 {
		t.Fatalf("Prepare must clear positions")
	}
	cpt.Commit()
	if !cpt.Committed {
		t.Fatalf("Commit must raise committed")
	}
	before := cpt.SequenceID
	cpt.IncreaseSequenceID()
	if cpt.SequenceID != before+1 {
		t.Fatalf("sequence must advance by one")
	}
}
