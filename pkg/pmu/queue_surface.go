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

	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/surface"
)

// surfaceQueue is a ring of fixed-size elements in a shared surface. Cursors
// are element indices modulo count.
//
// Each command element holds, in order: the header, the payload
// descriptors, the command body, the input payload and the output payload.
// The firmware writes its output into the element, so a command element is
// reserved from push until its response has been processed.
type surfaceQueue struct {
	qid      QueueID
	surf     surface.Surface
	regs     Registers
	headReg  uint32
	tailReg  uint32
	offset   uint32
	elemSize uint32
	count    uint32

	// mu protects head and inUse.
	mu    sync.Mutex
	head  uint32
	inUse []bool

	// tail is only accessed from the dispatch context.
	tail uint32
}

func newSurfaceQueue(qid QueueID, surf surface.Surface, regs Registers, headReg, tailReg, offset, elemSize, count uint32) *surfaceQueue {
	q := &surfaceQueue{
		qid:      qid,
		surf:     surf,
		regs:     regs,
		headReg:  headReg,
		tailReg:  tailReg,
		offset:   offset,
		elemSize: elemSize,
		count:    count,
		inUse:    make([]bool, count),
	}
	q.head = regs.Read32(headReg) % count
	q.tail = regs.Read32(tailReg) % count
	return q
}

// id implements queue.id and cmdQueue.id.
func (q *surfaceQueue) id() QueueID {
	return q.qid
}

func (q *surfaceQueue) elementOffset(index uint32) int64 {
	return int64(q.offset) + int64(index)*int64(q.elemSize)
}

// isEmpty implements queue.isEmpty.
func (q *surfaceQueue) isEmpty() bool {
	return q.regs.Read32(q.headReg)%q.count == q.tail
}

// pop implements queue.pop.
func (q *surfaceQueue) pop(off uint32, dst []byte) error {
	if q.isEmpty() {
		return ErrQueueEmpty
	}
	if off+uint32(len(dst)) > q.elemSize {
		return fmt.Errorf("%v queue: %w: read of %d bytes at %d crosses element of %d bytes", q.qid, ErrBadHeader, len(dst), off, q.elemSize)
	}
	addr := q.elementOffset(q.tail) + int64(off)
	n, err := q.surf.ReadAt(dst, addr)
	if n != len(dst) {
		if err == nil {
			err = &ShortReadError{Queue: q.qid, Offset: uint32(addr), Want: len(dst), Got: n}
		}
		return fmt.Errorf("%v queue: element %d: %w", q.qid, q.tail, err)
	}
	return nil
}

// commit implements queue.commit. Every message occupies one element.
func (q *surfaceQueue) commit(uint32) {
	q.tail = (q.tail + 1) % q.count
	q.regs.Write32(q.tailReg, q.tail)
}

// rewind implements queue.rewind.
func (q *surfaceQueue) rewind() {
	q.tail = 0
	q.regs.Write32(q.tailReg, q.tail)
}

// cursor implements queue.cursor.
func (q *surfaceQueue) cursor() uint32 {
	return q.tail
}

// maxMessageSize implements queue.maxMessageSize.
func (q *surfaceQueue) maxMessageSize() uint32 {
	return q.elemSize
}

// send implements cmdQueue.send. Payloads travel inside the element.
func (q *surfaceQueue) send(seq *sequence, hdr abi.Header, body []byte, pl *Payload) error {
	cmdSize := uint32(abi.HeaderSize + abi.CmdPrefixSize + len(body))
	inOff := cmdSize
	inSize := uint32(len(pl.In))
	outOff := inOff + inSize
	outSize := pl.OutSize
	if pl.InPlace {
		outOff, outSize = inOff, inSize
	}
	used := inOff + inSize
	if outOff+outSize > used {
		used = outOff + outSize
	}
	if used > q.elemSize {
		return fmt.Errorf("%w: command and payloads need %d bytes, element is %d", ErrMessageTooLarge, used, q.elemSize)
	}
	if cmdSize > 0xffff {
		return fmt.Errorf("%w: command of %d bytes, limit %d", ErrMessageTooLarge, cmdSize, 0xffff)
	}
	hdr.Size = uint16(cmdSize)

	elem := make([]byte, inOff+inSize)
	hdr.MarshalBytes(elem)
	inDesc := abi.PayloadDesc{Offset: inOff, Size: inSize}
	outDesc := abi.PayloadDesc{Offset: outOff, Size: outSize}
	if inSize == 0 {
		inDesc = abi.PayloadDesc{}
	}
	if outSize == 0 {
		outDesc = abi.PayloadDesc{}
	}
	inDesc.MarshalBytes(elem[abi.HeaderSize:])
	outDesc.MarshalBytes(elem[abi.HeaderSize+abi.PayloadDescSize:])
	copy(elem[abi.HeaderSize+abi.CmdPrefixSize:], body)
	copy(elem[inOff:], pl.In)

	return q.push(elem, func(index uint32) {
		seq.in = nil
		seq.out = &surfacePayload{q: q, index: index, offset: outOff, size: outSize}
		seq.publish()
	})
}

// push writes elem at the write cursor and reserves the element. bind is
// called with the element index before the element is published.
func (q *surfaceQueue) push(elem []byte, bind func(index uint32)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tail := q.regs.Read32(q.tailReg) % q.count
	next := (q.head + 1) % q.count
	if next == tail {
		return fmt.Errorf("%v queue: %w: %d elements pending", q.qid, ErrQueueFull, q.count-1)
	}
	if q.inUse[q.head] {
		return fmt.Errorf("%v queue: %w: element %d awaits its response", q.qid, ErrQueueFull, q.head)
	}
	index := q.head
	n, err := q.surf.WriteAt(elem, q.elementOffset(index))
	if n != len(elem) {
		if err == nil {
			err = fmt.Errorf("wrote %d of %d bytes", n, len(elem))
		}
		return fmt.Errorf("%v queue: writing element %d: %w", q.qid, index, err)
	}
	q.inUse[index] = true
	bind(index)
	q.head = next
	q.regs.Write32(q.headReg, q.head)
	return nil
}

// releaseElement makes a command element available to push again.
func (q *surfaceQueue) releaseElement(index uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inUse[index] {
		panic(fmt.Sprintf("%v queue: releasing free element %d", q.qid, index))
	}
	q.inUse[index] = false
}

// elementsInUse returns the number of reserved elements.
func (q *surfaceQueue) elementsInUse() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, u := range q.inUse {
		if u {
			n++
		}
	}
	return n
}
