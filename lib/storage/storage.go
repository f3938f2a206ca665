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

// Package storage persists monitor state as pretty-printed JSON files with
// last-writer-wins semantics. Saves are atomic (temp file, fsync, rename) so
// a process kill mid-write never leaves a torn file behind.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// Store reads and writes the JSON state files under a single data directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates the data directory if needed and returns a store bound to
// it.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing data directory")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the data directory the store is bound to.
func (s *Store) Dir() string {
	return s.dir
}

// Path resolves a state file name inside the data directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Save atomically writes v as pretty JSON to the named state file. The write
// goes to a sibling temp file which is fsynced and then renamed over the
// target, so readers observe either the old or the new content.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	target := s.Path(name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	// Clean up the temp file on any failure past this point.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Load reads the named state file into v. A missing or corrupt file is not
// fatal: v is left at its zero value, a warning is logged for the corrupt
// case, and ok reports whether anything was loaded.
func (s *Store) Load(name string, v any) (ok bool, err error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("State file is corrupt, starting from empty state.",
			"file", name, "error", err)
		return false, nil
	}
	return true, nil
}

// Remove deletes the named state file. Missing files are not an error.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}
