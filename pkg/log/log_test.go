// Copyright 2024 The zVMO Authors.
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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type recordingEmitter struct {
	lines []string
}

func (e *recordingEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	e.lines = append(e.lines, level.String()+": "+format)
}

func TestLevelFiltering(t *testing.T) {
	e := &recordingEmitter{}
	l := &BasicLogger{Level: Info, Emitter: e}

	l.Debugf("dropped")
	l.Infof("kept info")
	l.Warningf("kept warning")
	if len(e.lines) != 2 {
		t.Fatalf("emitted %d lines, want 2: %v", len(e.lines), e.lines)
	}
	if !l.IsLogging(Info) || l.IsLogging(Debug) {
		t.Errorf("IsLogging wrong for level Info")
	}

	l.SetLevel(Debug)
	l.Debugf("now kept")
	if len(e.lines) != 3 {
		t.Errorf("debug line not emitted after SetLevel: %v", e.lines)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	var sb strings.Builder
	w := &Writer{Next: &sb}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := sb.String(); !strings.HasSuffix(got, "\n") {
		t.Errorf("output %q does not end in newline", got)
	}
}

func TestLevelJSONRoundTrip(t *testing.T) {
	for _, level := range []Level{Warning, Info, Debug} {
		b, err := json.Marshal(level)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", level, err)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if got != level {
			t.Errorf("round trip of %v: got %v", level, got)
		}
	}
	var fromInt Level
	if err := json.Unmarshal([]byte("2"), &fromInt); err != nil || fromInt != Debug {
		t.Errorf("integer level: got %v, %v", fromInt, err)
	}
}
