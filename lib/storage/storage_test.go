/*
Copyright 2025 Slotwatch Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testState struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := testState{Name: "tracking", Items: []string{"a", "b", "c"}}
	require.NoError(t, store.Save("state.json", in))

	var out testState
	ok, err := store.Load("state.json", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestLoadMissingFileYieldsZeroValue(t *testing.T) {
	store := newTestStore(t)

	var out testState
	ok, err := store.Load("absent.json", &out)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, out)
}

func TestLoadCorruptFileYieldsZeroValue(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("bad.json"), []byte("{not json"), 0o644))

	var out testState
	ok, err := store.Load("bad.json", &out)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, out)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("state.json", testState{Name: "x"}))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "state.json", entries[0].Name())
}

func TestSaveOverwritesAtomically(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("state.json", testState{Name: "first"}))
	require.NoError(t, store.Save("state.json", testState{Name: "second"}))

	var out testState
	ok, err := store.Load("state.json", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", out.Name)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("state.json", testState{}))
	require.NoError(t, store.Remove("state.json"))
	require.NoError(t, store.Remove("state.json"))

	_, err := os.Stat(filepath.Join(store.Dir(), "state.json"))
	require.True(t, os.IsNotExist(err))
}
