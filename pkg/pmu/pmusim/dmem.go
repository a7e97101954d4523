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

package pmusim

import (
	"fmt"
	"sync"
)

// DMEM is the falcon's local data memory. It implements pmu.Falcon.
type DMEM struct {
	mu  sync.Mutex
	mem []byte

	// shortCopies is the number of upcoming host copies from DMEM that
	// will transfer only half of the requested bytes.
	shortCopies int
}

// NewDMEM returns a zeroed DMEM of the given size.
func NewDMEM(size int) *DMEM {
	return &DMEM{mem: make([]byte, size)}
}

// Size returns the size of d in bytes.
func (d *DMEM) Size() int {
	return len(d.mem)
}

// InjectShortCopies makes the next n calls to CopyFromDMEM copy fewer bytes
// than requested.
func (d *DMEM) InjectShortCopies(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shortCopies = n
}

// CopyFromDMEM implements pmu.Falcon.CopyFromDMEM.
func (d *DMEM) CopyFromDMEM(src uint32, dst []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(src, len(dst)); err != nil {
		return 0, err
	}
	n := len(dst)
	if d.shortCopies > 0 {
		d.shortCopies--
		n /= 2
	}
	return copy(dst[:n], d.mem[src:]), nil
}

// CopyToDMEM implements pmu.Falcon.CopyToDMEM.
func (d *DMEM) CopyToDMEM(dst uint32, src []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(dst, len(src)); err != nil {
		return 0, err
	}
	return copy(d.mem[dst:], src), nil
}

// read and write are the firmware's own accesses. They are never short.
func (d *DMEM) read(src uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(src, len(dst)); err != nil {
		return err
	}
	copy(dst, d.mem[src:])
	return nil
}

func (d *DMEM) write(dst uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(dst, len(src)); err != nil {
		return err
	}
	copy(d.mem[dst:], src)
	return nil
}

// Preconditions: d.mu is locked.
func (d *DMEM) checkRange(off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(len(d.mem)) {
		return fmt.Errorf("DMEM access [%#x, %#x) beyond DMEM size %#x", off, uint64(off)+uint64(n), len(d.mem))
	}
	return nil
}

// Registers is a register file. It implements pmu.Registers.
type Registers struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewRegisters returns a register file with every register reading zero.
func NewRegisters() *Registers {
	return &Registers{regs: make(map[uint32]uint32)}
}

// Read32 implements pmu.Registers.Read32.
func (r *Registers) Read32(addr uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[addr]
}

// Write32 implements pmu.Registers.Write32.
func (r *Registers) Write32(addr, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[addr] = v
}
