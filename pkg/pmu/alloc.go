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
	"fmt"
	"sync"

	"github.com/google/btree"
)

// dmemAlignment is the alignment of DMEM allocations.
const dmemAlignment = 16

// extent is a free range [start, end) of DMEM.
type extent struct {
	start uint32
	end   uint32
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// allocator hands out ranges of the DMEM area that the firmware reserves for
// command payloads. Free ranges are kept in a B-tree ordered by address and
// coalesced on free.
type allocator struct {
	mu sync.Mutex

	// base and size describe the managed area. Immutable.
	base uint32
	size uint32

	// free is protected by mu.
	free *btree.BTreeG[extent]
	// avail is the total size of free. Protected by mu.
	avail uint32
}

func newAllocator(base, size uint32) *allocator {
	a := &allocator{
		base: base,
		size: size,
		free: btree.NewG[extent](2, extentLess),
	}
	// Only whole aligned blocks are handed out.
	start := (base + dmemAlignment - 1) &^ (dmemAlignment - 1)
	end := (base + size) &^ (dmemAlignment - 1)
	if end > start {
		a.free.ReplaceOrInsert(extent{start: start, end: end})
		a.avail = end - start
	}
	return a
}

func alignAlloc(n uint32) uint32 {
	return (n + dmemAlignment - 1) &^ (dmemAlignment - 1)
}

// alloc returns the offset of n free bytes, using the lowest range that
// fits.
func (a *allocator) alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero-sized DMEM allocation")
	}
	n = alignAlloc(n)

	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		found extent
		ok    bool
	)
	a.free.Ascend(func(e extent) bool {
		if e.end-e.start >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", ErrNoDMEM, n, a.avail)
	}
	a.free.Delete(found)
	if found.end-found.start > n {
		a.free.ReplaceOrInsert(extent{start: found.start + n, end: found.end})
	}
	a.avail -= n
	return found.start, nil
}

// release returns [off, off+n) to the allocator. Releasing a range that is
// not allocated panics.
func (a *allocator) release(off, n uint32) {
	n = alignAlloc(n)
	e := extent{start: off, end: off + n}

	a.mu.Lock()
	defer a.mu.Unlock()
	if off < a.base || e.end > a.base+a.size {
		panic(fmt.Sprintf("releasing DMEM [%#x, %#x) outside managed area [%#x, %#x)", e.start, e.end, a.base, a.base+a.size))
	}

	// Merge with the preceding free range.
	var prev extent
	hasPrev := false
	a.free.DescendLessOrEqual(e, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev {
		if prev.end > e.start {
			panic(fmt.Sprintf("double release of DMEM [%#x, %#x): overlaps free [%#x, %#x)", e.start, e.end, prev.start, prev.end))
		}
		if prev.end == e.start {
			a.free.Delete(prev)
			e.start = prev.start
		}
	}

	// Merge with the following free range.
	var next extent
	hasNext := false
	a.free.AscendGreaterOrEqual(extent{start: off}, func(n extent) bool {
		next, hasNext = n, true
		return false
	})
	if hasNext {
		if next.start < e.end {
			panic(fmt.Sprintf("double release of DMEM [%#x, %#x): overlaps free [%#x, %#x)", off, off+n, next.start, next.end))
		}
		if next.start == e.end {
			a.free.Delete(next)
			e.end = next.end
		}
	}

	a.free.ReplaceOrInsert(e)
	a.avail += n
}

// available returns the number of free bytes.
func (a *allocator) available() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avail
}
