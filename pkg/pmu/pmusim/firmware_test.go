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
	"errors"
	"testing"

	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
)

func newTestFirmware(t *testing.T) *Firmware {
	t.Helper()
	layout := DefaultLayout()
	layout.MsgQueueSize = 0x40
	f, err := New(Options{Config: pmuconf.Default(), Layout: layout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func readHeader(t *testing.T, d *DMEM, off uint32) abi.Header {
	t.Helper()
	var b [abi.HeaderSize]byte
	if err := d.read(off, b[:]); err != nil {
		t.Fatalf("reading header at %#x: %v", off, err)
	}
	var hdr abi.Header
	hdr.UnmarshalBytes(b[:])
	return hdr
}

func TestStepBeforeBoot(t *testing.T) {
	f := newTestFirmware(t)
	if n, err := f.Step(); n != 0 || err != nil {
		t.Errorf("Step() = %d, %v; want 0, nil", n, err)
	}
}

func TestBootWritesInitMessage(t *testing.T) {
	f := newTestFirmware(t)
	if err := f.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	q := pmuconf.Default().Queues
	start := f.layout.MsgQueueOffset
	if got := f.Regs.Read32(q.MsgTailReg); got != start {
		t.Errorf("message tail = %#x, want %#x", got, start)
	}
	if got, want := f.Regs.Read32(q.MsgHeadReg), start+abi.AlignUp(abi.HeaderSize+abi.InitMsgSize); got != want {
		t.Errorf("message head = %#x, want %#x", got, want)
	}
	hdr := readHeader(t, f.DMEM, start)
	if hdr.UnitID != abi.UnitInit || hdr.Size != abi.HeaderSize+abi.InitMsgSize {
		t.Errorf("init header = %v", hdr)
	}
	buf := make([]byte, abi.InitMsgSize)
	if err := f.DMEM.read(start+abi.HeaderSize, buf); err != nil {
		t.Fatalf("reading init message: %v", err)
	}
	var init abi.InitMsg
	init.UnmarshalBytes(buf)
	if cq := init.Queues[abi.QueueIndexCmd]; cq.Offset != f.layout.CmdQueueOffset || cq.Size != f.layout.CmdQueueSize {
		t.Errorf("command queue = %+v", cq)
	}
}

func TestMessageQueueWraps(t *testing.T) {
	f := newTestFirmware(t)
	if err := f.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	q := pmuconf.Default().Queues
	start := f.layout.MsgQueueOffset

	// The host has not read the init message: only the 28 bytes before the
	// end of the queue are usable, minus the REWIND reservation.
	if err := f.SendEvent(abi.UnitTherm, make([]byte, 16)); !errors.Is(err, ErrMessageQueueFull) {
		t.Fatalf("SendEvent = %v, want %v", err, ErrMessageQueueFull)
	}
	if err := f.SendEvent(abi.UnitTherm, make([]byte, 8)); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	head := f.Regs.Read32(q.MsgHeadReg)
	if head != start+0x34 {
		t.Fatalf("message head = %#x, want %#x", head, start+0x34)
	}

	// Once the host consumed everything, the next message wraps.
	f.Regs.Write32(q.MsgTailReg, head)
	if err := f.SendEvent(abi.UnitTherm, make([]byte, 8)); err != nil {
		t.Fatalf("SendEvent after the host caught up: %v", err)
	}
	if hdr := readHeader(t, f.DMEM, head); hdr.UnitID != abi.UnitRewind {
		t.Errorf("header at %#x = %v, want REWIND", head, hdr)
	}
	if hdr := readHeader(t, f.DMEM, start); hdr.UnitID != abi.UnitTherm || !hdr.IsEvent() {
		t.Errorf("header at queue start = %v, want THERM event", hdr)
	}
	if got := f.Regs.Read32(q.MsgHeadReg); got != start+16 {
		t.Errorf("message head = %#x, want %#x", got, start+16)
	}
}

func TestACRRequiresRegion(t *testing.T) {
	f := newTestFirmware(t)
	f.mu.Lock()
	defer f.mu.Unlock()
	p := make([]byte, abi.ACRBootstrapFalconParamsSize)
	(&abi.ACRBootstrapFalconParams{FalconID: uint32(abi.FalconFECS)}).MarshalBytes(p)
	if got := f.runRPCLocked(abi.UnitACR, abi.ACRBootstrapFalcon, p); got != StatusNotReady {
		t.Errorf("bootstrap before region init = %#x, want %#x", got, StatusNotReady)
	}
	if got := f.runRPCLocked(abi.UnitACR, abi.ACRInitWPRRegion, make([]byte, 4)); got != StatusBadParams {
		t.Errorf("short region init = %#x, want %#x", got, StatusBadParams)
	}
	if got := f.runRPCLocked(abi.UnitACR, abi.ACRInitWPRRegion, make([]byte, abi.ACRInitWPRRegionParamsSize)); got != abi.FlcnStatusOK {
		t.Errorf("region init = %#x, want OK", got)
	}
	if got := f.runRPCLocked(abi.UnitACR, abi.ACRBootstrapFalcon, p); got != abi.FlcnStatusOK {
		t.Errorf("bootstrap = %#x, want OK", got)
	}
	if got := f.runRPCLocked(abi.UnitACR, 0x42, nil); got != StatusUnknownFunction {
		t.Errorf("unknown function = %#x, want %#x", got, StatusUnknownFunction)
	}
	if f.bootstrapped != abi.FalconFECS.Bit() {
		t.Errorf("bootstrapped = %#x, want %#x", f.bootstrapped, abi.FalconFECS.Bit())
	}
}
