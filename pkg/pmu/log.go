// Copyright 2023 The gVisor Authors.
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

package pmu

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages logged more often than its limiter
// allows. It is used for conditions the firmware can trigger in a loop.
type rateLimitedLogger struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

func newRateLimitedLogger(entry *logrus.Entry, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.entry.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) WithField(key string, value any) *rateLimitedLogger {
	return &rateLimitedLogger{
		entry: rl.entry.WithField(key, value),
		limit: rl.limit,
	}
}
