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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func freeExtents(a *allocator) []extent {
	var es []extent
	a.free.Ascend(func(e extent) bool {
		es = append(es, e)
		return true
	})
	return es
}

func TestAllocFirstFit(t *testing.T) {
	a := newAllocator(0x1000, 0x100)
	var got []uint32
	for _, n := range []uint32{1, 16, 17, 32} {
		off, err := a.alloc(n)
		if err != nil {
			t.Fatalf("alloc(%d): %v", n, err)
		}
		got = append(got, off)
	}
	want := []uint32{0x1000, 0x1010, 0x1020, 0x1040}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
	if got, want := a.available(), uint32(0x100-0x60); got != want {
		t.Errorf("available() = %#x, want %#x", got, want)
	}
}

func TestAllocExhausted(t *testing.T) {
	a := newAllocator(0, 64)
	if _, err := a.alloc(48); err != nil {
		t.Fatalf("alloc(48): %v", err)
	}
	if _, err := a.alloc(32); !errors.Is(err, ErrNoDMEM) {
		t.Errorf("alloc(32) = %v, want %v", err, ErrNoDMEM)
	}
	if _, err := a.alloc(16); err != nil {
		t.Errorf("alloc(16): %v", err)
	}
}

func TestReleaseCoalesces(t *testing.T) {
	a := newAllocator(0, 0x40)
	var offs []uint32
	for i := 0; i < 4; i++ {
		off, err := a.alloc(16)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		offs = append(offs, off)
	}
	// Release out of order: 1, 3, 2, 0.
	a.release(offs[1], 16)
	a.release(offs[3], 16)
	if diff := cmp.Diff([]extent{{0x10, 0x20}, {0x30, 0x40}}, freeExtents(a), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
	a.release(offs[2], 16)
	a.release(offs[0], 16)
	if diff := cmp.Diff([]extent{{0, 0x40}}, freeExtents(a), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
	if off, err := a.alloc(0x40); err != nil || off != 0 {
		t.Errorf("alloc(0x40) = %#x, %v; want 0, nil", off, err)
	}
}

func TestAllocUnalignedArea(t *testing.T) {
	a := newAllocator(0x1004, 0x40)
	off, err := a.alloc(1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if off != 0x1010 {
		t.Errorf("alloc(1) = %#x, want 0x1010", off)
	}
	if got, want := a.available(), uint32(0x20); got != want {
		t.Errorf("available() = %#x, want %#x", got, want)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	a := newAllocator(0, 0x40)
	off, err := a.alloc(16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a.release(off, 16)
	defer func() {
		if recover() == nil {
			t.Errorf("second release did not panic")
		}
	}()
	a.release(off, 16)
}
