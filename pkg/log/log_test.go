// Copyright 2026 The gVisor Authors.
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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %q, expected: %q", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	buf.Reset()
	l.SetLevel(Debug)
	l.Debugf("now shown")
	if got, want := buf.String(), "now shown\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, time.May, 4, 13, 7, 9, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "gpa %#x", 0x1000)

	got := buf.String()
	if !strings.HasPrefix(got, "W0504 13:07:09.123456 ") {
		t.Errorf("header = %q, want prefix %q", got, "W0504 13:07:09.123456 ")
	}
	if !strings.HasSuffix(got, "] gpa 0x1000\n") {
		t.Errorf("message = %q, want suffix %q", got, "] gpa 0x1000\n")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Now(), "read violation @ gpa %#x", 0x3000)

	var j jsonLog
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &j); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if j.Msg != "read violation @ gpa 0x3000" || j.Level != Info || j.PID != os.Getpid() {
		t.Errorf("got %+v, want msg, info level and pid %d", j, os.Getpid())
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}
}

func TestMultiEmitter(t *testing.T) {
	var a, b bytes.Buffer
	m := MultiEmitter{&Writer{Next: &a}, &Writer{Next: &b}}
	l := &BasicLogger{Level: Info, Emitter: &m}
	l.Infof("both")
	if a.String() != "both\n" || b.String() != "both\n" {
		t.Errorf("got %q and %q, want both emitters to receive the line", a.String(), b.String())
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	rl := RateLimitedLogger(base, time.Hour, 2)
	for i := 0; i < 5; i++ {
		rl.Infof("line %d", i)
	}
	if got, want := buf.String(), "line 0\nline 1\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if got := rl.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestRateLimitedLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Warning, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	rl := RateLimitedLogger(base, time.Hour, 1)
	rl.Warningf("unhandled read @ gpa %#x", 0x3000)

	var j jsonLog
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &j); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`"warning"`, Warning},
		{`1`, Info},
		{`"debug"`, Debug},
	} {
		var lv Level
		if err := json.Unmarshal([]byte(tc.in), &lv); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, lv, tc.want)
		}
		b, err := json.Marshal(lv)
		if err != nil {
			t.Errorf("Marshal(%v) failed: %v", lv, err)
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != lv {
			t.Errorf("round trip of %v gave %v (err %v)", lv, back, err)
		}
	}
	var lv Level
	if err := lv.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf("UnmarshalJSON(fatal) succeeded, want error")
	}
}
