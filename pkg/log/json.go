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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	PID    int       `json:"pid,omitempty"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// levelNames are the JSON names of the levels, indexed by Level.
var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, levelNames[l]), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Levels may be
// given by name or by number.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if name, err := strconv.Unquote(s); err == nil {
		for i, n := range levelNames {
			if n == name {
				*l = Level(i)
				return nil
			}
		}
		return fmt.Errorf("unknown level %q", s)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= uint64(len(levelNames)) {
		return fmt.Errorf("unknown level %q", s)
	}
	*l = Level(n)
	return nil
}

// JSONEmitter logs messages in json format, one object per line. The caller
// is a separate field rather than part of the message.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(jsonLog{
		Time:   timestamp,
		Level:  level,
		PID:    os.Getpid(),
		Caller: caller(depth),
		Msg:    fmt.Sprintf(format, v...),
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
