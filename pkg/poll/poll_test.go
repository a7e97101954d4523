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

package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilSuccess(t *testing.T) {
	clock := NewFakeClock()
	calls := 0
	err := Until(context.Background(), "cond", Options{Timeout: time.Second, Clock: clock}, func() (bool, error) {
		calls++
		return calls == 5, nil
	})
	if err != nil {
		t.Fatalf("Until failed: %v", err)
	}
	if calls != 5 {
		t.Errorf("cond called %d times, want 5", calls)
	}
	if clock.Slept() == 0 {
		t.Errorf("Until never slept between samples")
	}
}

func TestUntilTimeout(t *testing.T) {
	clock := NewFakeClock()
	start := clock.Now()
	err := Until(context.Background(), "never", Options{Timeout: 100 * time.Millisecond, Clock: clock}, func() (bool, error) {
		return false, nil
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Until returned %v, want *TimeoutError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(%v, ErrTimeout) = false", err)
	}
	if te.Op != "never" {
		t.Errorf("TimeoutError.Op = %q, want %q", te.Op, "never")
	}
	if elapsed := clock.Now().Sub(start); elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %v, before the %v deadline", elapsed, 100*time.Millisecond)
	}
}

func TestUntilError(t *testing.T) {
	want := errors.New("sample failed")
	err := Until(context.Background(), "cond", Options{Timeout: time.Second, Clock: NewFakeClock()}, func() (bool, error) {
		return false, want
	})
	if err != want {
		t.Errorf("Until returned %v, want %v", err, want)
	}
}

func TestUntilZeroTimeoutSamplesOnce(t *testing.T) {
	calls := 0
	err := Until(context.Background(), "cond", Options{Clock: NewFakeClock()}, func() (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Until returned %v, want timeout", err)
	}
	if calls != 1 {
		t.Errorf("cond called %d times, want 1", calls)
	}
}

func TestUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, "cond", Options{Timeout: time.Second, Clock: NewFakeClock()}, func() (bool, error) {
		return false, nil
	})
	if err != context.Canceled {
		t.Errorf("Until returned %v, want %v", err, context.Canceled)
	}
}

func TestBackoffGrows(t *testing.T) {
	clock := &recordingClock{FakeClock: NewFakeClock()}
	_ = Until(context.Background(), "cond", Options{
		Timeout:         time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     64 * time.Millisecond,
		Clock:           clock,
	}, func() (bool, error) {
		return false, nil
	})
	if len(clock.sleeps) < 3 {
		t.Fatalf("only %d sleeps recorded", len(clock.sleeps))
	}
	// Randomization may shrink an individual step; the schedule as a whole
	// must still reach well past the initial interval.
	last := clock.sleeps[len(clock.sleeps)-1]
	if last <= 2*time.Millisecond {
		t.Errorf("last interval %v did not grow from 1ms", last)
	}
	for i, d := range clock.sleeps {
		if d > 96*time.Millisecond {
			t.Errorf("interval %d = %v exceeds randomized MaxInterval", i, d)
		}
	}
}

type recordingClock struct {
	*FakeClock
	sleeps []time.Duration
}

func (c *recordingClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.FakeClock.Sleep(d)
}
