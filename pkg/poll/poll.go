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

// Package poll implements bounded waits that sample a condition with
// exponential backoff until it holds or a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrTimeout is wrapped by every *TimeoutError.
var ErrTimeout = errors.New("timed out")

// TimeoutError is returned when a condition did not hold before the
// deadline.
type TimeoutError struct {
	// Op names the wait, e.g. "PMU ready".
	Op      string
	Timeout time.Duration
}

// Error implements error.Error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waiting for %s: timed out after %v", e.Op, e.Timeout)
}

// Unwrap allows errors.Is(err, ErrTimeout).
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Clock is the time source used by Until. It also satisfies backoff.Clock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Options configures Until.
type Options struct {
	// Timeout bounds the total time spent waiting. Zero means the condition
	// is sampled once.
	Timeout time.Duration

	// InitialInterval and MaxInterval bound the delay between samples.
	// Defaults are 10us and 10ms.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Clock defaults to RealClock.
	Clock Clock
}

const (
	defaultInitialInterval = 10 * time.Microsecond
	defaultMaxInterval     = 10 * time.Millisecond
)

// Until calls cond until it returns true, returns an error, ctx is done or
// opts.Timeout elapses. The delay between calls grows exponentially. It
// returns nil on success, cond's error if it fails, ctx.Err() on
// cancellation and a *TimeoutError on timeout.
func Until(ctx context.Context, op string, opts Options, cond func() (bool, error)) error {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	if b.InitialInterval == 0 {
		b.InitialInterval = defaultInitialInterval
	}
	b.MaxInterval = opts.MaxInterval
	if b.MaxInterval == 0 {
		b.MaxInterval = defaultMaxInterval
	}
	b.Clock = clock
	// MaxElapsedTime of zero means "forever" to backoff; a zero Timeout
	// means a single sample here.
	b.MaxElapsedTime = opts.Timeout
	b.Reset()

	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Timeout == 0 {
			return &TimeoutError{Op: op, Timeout: opts.Timeout}
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return &TimeoutError{Op: op, Timeout: opts.Timeout}
		}
		clock.Sleep(next)
	}
}
