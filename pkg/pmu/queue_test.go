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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/surface"
)

const (
	testHeadReg = 0x10
	testTailReg = 0x14
)

type fakeRegs struct {
	mu sync.Mutex
	m  map[uint32]uint32
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{m: make(map[uint32]uint32)}
}

func (r *fakeRegs) Read32(addr uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[addr]
}

func (r *fakeRegs) Write32(addr, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[addr] = v
}

type fakeFalcon struct {
	mem   []byte
	short bool
}

func (f *fakeFalcon) CopyFromDMEM(src uint32, dst []byte) (int, error) {
	n := copy(dst, f.mem[src:])
	if f.short {
		n /= 2
	}
	return n, nil
}

func (f *fakeFalcon) CopyToDMEM(dst uint32, src []byte) (int, error) {
	return copy(f.mem[dst:], src), nil
}

func marshalMsg(unit abi.UnitID, seq uint8, payload []byte) []byte {
	hdr := abi.Header{UnitID: unit, Size: uint16(abi.HeaderSize + len(payload)), SeqID: seq}
	b := make([]byte, hdr.Size)
	hdr.MarshalBytes(b)
	copy(b[abi.HeaderSize:], payload)
	return b
}

func newTestDMEMQueue(f *fakeFalcon, regs *fakeRegs, offset, size uint32) *dmemQueue {
	regs.Write32(testHeadReg, offset)
	regs.Write32(testTailReg, offset)
	return &dmemQueue{
		qid:     MessageQueue,
		falcon:  f,
		regs:    regs,
		headReg: testHeadReg,
		tailReg: testTailReg,
		offset:  offset,
		size:    size,
		head:    offset,
		tail:    offset,
	}
}

func TestSurfaceCursorBound(t *testing.T) {
	const (
		count    = 4
		elemSize = 32
	)
	surf := surface.NewBuffer(count * elemSize)
	regs := newFakeRegs()
	q := newSurfaceQueue(MessageQueue, surf, regs, testHeadReg, testTailReg, 0, elemSize, count)

	head := uint32(0)
	for i := 0; i < 3*count; i++ {
		if _, err := surf.WriteAt(marshalMsg(abi.UnitPG, uint8(i), []byte{byte(i)}), int64(head*elemSize)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		head = (head + 1) % count
		regs.Write32(testHeadReg, head)

		old := q.cursor()
		msg, err := readMessage(q)
		if err != nil {
			t.Fatalf("readMessage #%d: %v", i, err)
		}
		if msg.Hdr.SeqID != uint8(i) {
			t.Errorf("message #%d has sequence %d", i, msg.Hdr.SeqID)
		}
		if got, want := q.cursor(), (old+1)%count; got != want {
			t.Errorf("cursor after read #%d = %d, want %d", i, got, want)
		}
		if q.cursor() >= count {
			t.Errorf("cursor %d out of bounds", q.cursor())
		}
		if got := regs.Read32(testTailReg); got != q.cursor() {
			t.Errorf("tail register = %d, want %d", got, q.cursor())
		}
	}
	if _, err := readMessage(q); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("readMessage on empty queue = %v, want %v", err, ErrQueueEmpty)
	}
}

func TestSurfaceRewind(t *testing.T) {
	const (
		count    = 4
		elemSize = 32
	)
	surf := surface.NewBuffer(count * elemSize)
	regs := newFakeRegs()
	regs.Write32(testHeadReg, 2)
	regs.Write32(testTailReg, 2)
	q := newSurfaceQueue(MessageQueue, surf, regs, testHeadReg, testTailReg, 0, elemSize, count)

	surf.WriteAt(marshalMsg(abi.UnitRewind, 0, nil), 2*elemSize)
	surf.WriteAt(marshalMsg(abi.UnitTherm, 7, []byte{1, 2, 3}), 0)
	regs.Write32(testHeadReg, 1)

	msg, err := readMessage(q)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	want := &Message{Hdr: abi.Header{UnitID: abi.UnitTherm, Size: abi.HeaderSize + 3, SeqID: 7}, Payload: []byte{1, 2, 3}}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	if got := q.cursor(); got != 1 {
		t.Errorf("cursor = %d, want 1", got)
	}
}

func TestDMEMRewind(t *testing.T) {
	f := &fakeFalcon{mem: make([]byte, 0x200)}
	regs := newFakeRegs()
	q := newTestDMEMQueue(f, regs, 0x100, 0x40)

	// The producer filled the queue up to 0x138 and wrapped.
	q.tail = 0x138
	regs.Write32(testTailReg, 0x138)
	copy(f.mem[0x138:], marshalMsg(abi.UnitRewind, 0, nil))
	msg := marshalMsg(abi.UnitPG, 1, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee})
	copy(f.mem[0x100:], msg)
	regs.Write32(testHeadReg, 0x100+abi.AlignUp(uint32(len(msg))))

	got, err := readMessage(q)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if diff := cmp.Diff([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}, got.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if want := 0x100 + abi.AlignUp(uint32(len(msg))); q.cursor() != want {
		t.Errorf("cursor = %#x, want %#x", q.cursor(), want)
	}
	if !q.isEmpty() {
		t.Errorf("queue not empty after reading its only message")
	}
}

func TestRewindTwiceFails(t *testing.T) {
	f := &fakeFalcon{mem: make([]byte, 0x200)}
	regs := newFakeRegs()
	q := newTestDMEMQueue(f, regs, 0x100, 0x40)
	q.tail = 0x120
	regs.Write32(testTailReg, 0x120)
	regs.Write32(testHeadReg, 0x110)
	copy(f.mem[0x120:], marshalMsg(abi.UnitRewind, 0, nil))
	copy(f.mem[0x100:], marshalMsg(abi.UnitRewind, 0, nil))

	if _, err := readMessage(q); !errors.Is(err, ErrRewindLoop) {
		t.Fatalf("readMessage = %v, want %v", err, ErrRewindLoop)
	}
	// The cursor was wrapped once and not advanced past the bad header.
	if q.cursor() != 0x100 {
		t.Errorf("cursor = %#x, want 0x100", q.cursor())
	}
}

func TestShortReadIsAnError(t *testing.T) {
	f := &fakeFalcon{mem: make([]byte, 0x200), short: true}
	regs := newFakeRegs()
	q := newTestDMEMQueue(f, regs, 0x100, 0x40)
	msg := marshalMsg(abi.UnitPG, 1, []byte{1, 2, 3, 4})
	copy(f.mem[0x100:], msg)
	regs.Write32(testHeadReg, 0x100+uint32(len(msg)))

	_, err := readMessage(q)
	var sre *ShortReadError
	if !errors.As(err, &sre) {
		t.Fatalf("readMessage = %v, want *ShortReadError", err)
	}
	if sre.Want != abi.HeaderSize || sre.Got != abi.HeaderSize/2 {
		t.Errorf("ShortReadError = %+v, want Want=%d Got=%d", sre, abi.HeaderSize, abi.HeaderSize/2)
	}
	if q.cursor() != 0x100 {
		t.Errorf("cursor moved to %#x after a failed read", q.cursor())
	}
}

func TestReadMessageBadHeader(t *testing.T) {
	for _, tc := range []struct {
		name string
		hdr  abi.Header
	}{
		{
			name: "size below header",
			hdr:  abi.Header{UnitID: abi.UnitPG, Size: 4},
		},
		{
			name: "size beyond queue",
			hdr:  abi.Header{UnitID: abi.UnitPG, Size: 0x100},
		},
		{
			name: "invalid unit",
			hdr:  abi.Header{UnitID: abi.UnitEnd, Size: abi.HeaderSize},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeFalcon{mem: make([]byte, 0x200)}
			regs := newFakeRegs()
			q := newTestDMEMQueue(f, regs, 0x100, 0x40)
			tc.hdr.MarshalBytes(f.mem[0x100:])
			regs.Write32(testHeadReg, 0x110)
			if _, err := readMessage(q); !errors.Is(err, ErrBadHeader) {
				t.Errorf("readMessage = %v, want %v", err, ErrBadHeader)
			}
		})
	}
}

func TestDMEMPushWraps(t *testing.T) {
	f := &fakeFalcon{mem: make([]byte, 0x400)}
	regs := newFakeRegs()
	q := newTestDMEMQueue(f, regs, 0x100, 0x40)
	q.qid = CommandQueue

	big := marshalMsg(abi.UnitPG, 0, make([]byte, 24))   // 32 bytes.
	small := marshalMsg(abi.UnitPG, 1, make([]byte, 20)) // 28 bytes.
	if err := q.push(big, nil); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if got := regs.Read32(testHeadReg); got != 0x120 {
		t.Fatalf("head = %#x, want 0x120", got)
	}
	// 24 bytes are left before the REWIND reservation and the consumer
	// still holds the start of the queue.
	if err := q.push(big, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second push = %v, want %v", err, ErrQueueFull)
	}

	// Once the consumer has caught up, the producer wraps.
	regs.Write32(testTailReg, 0x120)
	if err := q.push(small, nil); err != nil {
		t.Fatalf("push after consumer caught up: %v", err)
	}
	var rw abi.Header
	rw.UnmarshalBytes(f.mem[0x120:])
	if rw.UnitID != abi.UnitRewind {
		t.Errorf("header at 0x120 = %v, want REWIND", rw)
	}
	if got := regs.Read32(testHeadReg); got != 0x11c {
		t.Errorf("head after wrap = %#x, want 0x11c", got)
	}
	var hdr abi.Header
	hdr.UnmarshalBytes(f.mem[0x100:])
	if hdr.SeqID != 1 {
		t.Errorf("header at queue start = %v, want sequence 1", hdr)
	}
}

func TestSurfaceElementReservedUntilFreed(t *testing.T) {
	const (
		count    = 4
		elemSize = 64
	)
	surf := surface.NewBuffer(count * elemSize)
	regs := newFakeRegs()
	q := newSurfaceQueue(CommandQueue, surf, regs, testHeadReg, testTailReg, 0, elemSize, count)

	seqs := make([]sequence, count)
	for i := 0; i < count-1; i++ {
		hdr := abi.Header{UnitID: abi.UnitPG, SeqID: uint8(i)}
		if err := q.send(&seqs[i], hdr, nil, &Payload{In: []byte{1, 2}, OutSize: 4}); err != nil {
			t.Fatalf("send #%d: %v", i, err)
		}
	}
	if got := q.elementsInUse(); got != count-1 {
		t.Errorf("elementsInUse() = %d, want %d", got, count-1)
	}
	// The consumer read every command, but element 0 still holds the
	// output of the first one.
	regs.Write32(testTailReg, count-1)
	if err := q.send(&seqs[count-1], abi.Header{UnitID: abi.UnitPG}, nil, &Payload{}); err != nil {
		t.Fatalf("send into the last element: %v", err)
	}
	if err := q.send(&sequence{}, abi.Header{UnitID: abi.UnitPG}, nil, &Payload{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("send over a reserved element = %v, want %v", err, ErrQueueFull)
	}
	seqs[0].out.free()
	if err := q.send(&sequence{}, abi.Header{UnitID: abi.UnitPG}, nil, &Payload{}); err != nil {
		t.Errorf("send after freeing element 0: %v", err)
	}

	var in, out abi.PayloadDesc
	elem := make([]byte, elemSize)
	surf.ReadAt(elem, elemSize)
	in.UnmarshalBytes(elem[abi.HeaderSize:])
	out.UnmarshalBytes(elem[abi.HeaderSize+abi.PayloadDescSize:])
	wantIn := abi.PayloadDesc{Offset: abi.HeaderSize + abi.CmdPrefixSize, Size: 2}
	wantOut := abi.PayloadDesc{Offset: abi.HeaderSize + abi.CmdPrefixSize + 2, Size: 4}
	if in != wantIn || out != wantOut {
		t.Errorf("descriptors of element 1 = %+v, %+v; want %+v, %+v", in, out, wantIn, wantOut)
	}
}

func TestSurfaceCommandFitsHeader(t *testing.T) {
	const elemSize = 0x20000
	surf := surface.NewBuffer(2 * elemSize)
	regs := newFakeRegs()
	q := newSurfaceQueue(CommandQueue, surf, regs, testHeadReg, testTailReg, 0, elemSize, 2)
	body := make([]byte, 70000)
	if err := q.send(&sequence{}, abi.Header{UnitID: abi.UnitPG}, body, &Payload{}); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("send of %d byte body = %v, want %v", len(body), err, ErrMessageTooLarge)
	}
	if got := regs.Read32(testHeadReg); got != 0 {
		t.Errorf("head = %d after a rejected send, want 0", got)
	}
}
