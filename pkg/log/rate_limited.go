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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// depthLogger is a Logger that can attribute a statement to a caller further
// up the stack.
type depthLogger interface {
	DebugfAtDepth(depth int, format string, v ...any)
	InfofAtDepth(depth int, format string, v ...any)
	WarningfAtDepth(depth int, format string, v ...any)
}

// RateLimited is a Logger that drops statements above a fixed rate. When the
// underlying logger supports it, statements name the caller of RateLimited.
type RateLimited struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (rl *RateLimited) allow() bool {
	if rl.limit.Allow() {
		return true
	}
	rl.dropped.Add(1)
	return false
}

// Debugf implements Logger.Debugf.
func (rl *RateLimited) Debugf(format string, v ...any) {
	if !rl.allow() {
		return
	}
	if dl, ok := rl.logger.(depthLogger); ok {
		dl.DebugfAtDepth(1, format, v...)
		return
	}
	rl.logger.Debugf(format, v...)
}

// Infof implements Logger.Infof.
func (rl *RateLimited) Infof(format string, v ...any) {
	if !rl.allow() {
		return
	}
	if dl, ok := rl.logger.(depthLogger); ok {
		dl.InfofAtDepth(1, format, v...)
		return
	}
	rl.logger.Infof(format, v...)
}

// Warningf implements Logger.Warningf.
func (rl *RateLimited) Warningf(format string, v ...any) {
	if !rl.allow() {
		return
	}
	if dl, ok := rl.logger.(depthLogger); ok {
		dl.WarningfAtDepth(1, format, v...)
		return
	}
	rl.logger.Warningf(format, v...)
}

// IsLogging implements Logger.IsLogging.
func (rl *RateLimited) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// Dropped returns the number of statements dropped so far.
func (rl *RateLimited) Dropped() uint64 {
	return rl.dropped.Load()
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once every `every` duration, allowing bursts of up to burst statements.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}
