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

package configserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLegacyWatcher_ConvertsYAML(t *testing.T) {
	legacyDir := t.TempDir()
	targetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "app.yml"),
		[]byte("inputs:\n  - type: file\n    path: /var/log/app.log\nversion: 2\n"), 0o644))

	w := NewLegacyWatcher(zap.NewNop(), legacyDir, targetDir)
	w.scan()

	data, err := os.ReadFile(filepath.Join(targetDir, "app.json"))
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, float64(2), detail["version"])
	assert.NotNil(t, detail["inputs"])
}

func TestLegacyWatcher_SkipsUnchangedFiles(t *testing.T) {
	legacyDir := t.TempDir()
	targetDir := t.TempDir()
	path := filepath.Join(legacyDir, "app.yml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	w := NewLegacyWatcher(zap.NewNop(), legacyDir, targetDir)
	w.scan()
	target := filepath.Join(targetDir, "app.json")
	first, err := os.Stat(target)
	require.NoError(t, err)

	// Unchanged mod time: no rewrite.
	w.scan()
	second, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), second.ModTime())

	// Touch forward: converted again.
	require.NoError(t, os.Remove(target))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	w.scan()
	_, err = os.Stat(target)
	assert.NoError(t, err, "advanced mod time must re-convert")
}

func TestLegacyWatcher_InvalidYAMLLeavesTargetAlone(t *testing.T) {
	legacyDir := t.TempDir()
	targetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(legacyDir, "bad.yml"),
		[]byte(":\n\t- not yaml"), 0o644))

	w := NewLegacyWatcher(zap.NewNop(), legacyDir, targetDir)
	w.scan()
	_, err := os.Stat(filepath.Join(targetDir, "bad.json"))
	assert.True(t, os.IsNotExist(err))
}
