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

package monitor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/slotwatch/slotwatch/lib/fetch"
)

func TestCategorize(t *testing.T) {
	testCases := []struct {
		desc     string
		err      error
		expected ErrorCategory
	}{
		{
			desc:     "connection problem is network",
			err:      trace.ConnectionProblem(nil, "timeout"),
			expected: CategoryNetwork,
		},
		{
			desc:     "rate limit beats network",
			err:      fetch.NewRateLimited(time.Minute),
			expected: CategoryRateLimited,
		},
		{
			desc:     "parse error",
			err:      fetch.NewParseError("no rows", nil),
			expected: CategoryParse,
		},
		{
			desc:     "bad parameter is configuration",
			err:      trace.BadParameter("bad interval"),
			expected: CategoryConfiguration,
		},
		{
			desc:     "access denied is filesystem",
			err:      trace.AccessDenied("read-only"),
			expected: CategoryFilesystem,
		},
		{
			desc:     "anything else is critical",
			err:      trace.Errorf("impossible state"),
			expected: CategoryCritical,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, Categorize(tc.err))
		})
	}
}

func TestPersistentErrorFiresOnceAtThreshold(t *testing.T) {
	var persistent []ErrorRecord
	h := newErrorHandler(errorHandlerConfig{
		Threshold:    3,
		OnPersistent: func(rec ErrorRecord) { persistent = append(persistent, rec) },
	})

	for i := 0; i < 5; i++ {
		h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	}
	require.Len(t, persistent, 1)
	require.Equal(t, 3, persistent[0].Count)
	require.Equal(t, CategoryNetwork, persistent[0].Category)
}

func TestErrorResetInterruptsPersistence(t *testing.T) {
	var persistent []ErrorRecord
	h := newErrorHandler(errorHandlerConfig{
		Threshold:    3,
		OnPersistent: func(rec ErrorRecord) { persistent = append(persistent, rec) },
	})

	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	h.Reset("fetcher", "fetch")
	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	require.Empty(t, persistent)

	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	require.Len(t, persistent, 1)
}

func TestErrorSignaturesAreIndependent(t *testing.T) {
	var persistent []ErrorRecord
	h := newErrorHandler(errorHandlerConfig{
		Threshold:    2,
		OnPersistent: func(rec ErrorRecord) { persistent = append(persistent, rec) },
	})

	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	h.Handle("fetcher", "fetch", fetch.NewParseError("no rows", nil))
	h.Handle("dispatcher", "send", trace.ConnectionProblem(nil, "down"))
	require.Empty(t, persistent)

	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "down"))
	require.Len(t, persistent, 1)
	require.Equal(t, "fetcher", persistent[0].Component)
}

// Every handled error appends one NDJSON line with the full trace report to
// the errors log; the summary channels never carry the report.
func TestHandledErrorWritesTraceLine(t *testing.T) {
	var buf bytes.Buffer
	h := newErrorHandler(errorHandlerConfig{Trace: &buf})

	h.Handle("fetcher", "fetch", trace.ConnectionProblem(nil, "upstream down"))
	h.Handle("dispatcher", "send", trace.Errorf("socket closed"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry errorTraceEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, CategoryNetwork, entry.Category)
	require.Equal(t, "fetcher", entry.Component)
	require.Equal(t, "fetch", entry.Operation)
	require.Equal(t, 1, entry.Count)
	require.Contains(t, entry.Report, "upstream down")
	require.False(t, entry.Timestamp.IsZero())
}

func TestOpenErrorsLogCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "errors.log")
	w, err := openErrorsLog(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.NoError(t, w.Close())
}

func TestOpenErrorsLogFailsOnUnusablePath(t *testing.T) {
	// The parent of the log path is a regular file.
	parent := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o600))
	_, err := openErrorsLog(filepath.Join(parent, "errors.log"))
	require.Error(t, err)
}
