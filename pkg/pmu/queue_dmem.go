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
)

// dmemQueue is a ring buffer in the falcon's DMEM. Cursors are DMEM
// offsets within [offset, offset+size). Messages are aligned to
// abi.QueueAlignment; a producer that reaches the end of the ring writes a
// REWIND header and continues from offset, so there is always room for that
// header past the last message.
type dmemQueue struct {
	qid     QueueID
	falcon  Falcon
	regs    Registers
	headReg uint32
	tailReg uint32
	offset  uint32
	size    uint32

	// alloc stages command payloads. Only set for the command queue.
	alloc *allocator

	// mu serializes producers. It protects head.
	mu sync.Mutex

	// head is the write cursor; the host owns it for the command queue.
	head uint32

	// tail is the read cursor; the host owns it for the message queue. It
	// is only accessed from the dispatch context.
	tail uint32
}

// id implements queue.id and cmdQueue.id.
func (q *dmemQueue) id() QueueID {
	return q.qid
}

// isEmpty implements queue.isEmpty.
func (q *dmemQueue) isEmpty() bool {
	return q.regs.Read32(q.headReg) == q.tail
}

// pop implements queue.pop.
func (q *dmemQueue) pop(off uint32, dst []byte) error {
	if q.isEmpty() {
		return ErrQueueEmpty
	}
	addr := q.tail + off
	if addr+uint32(len(dst)) > q.offset+q.size {
		return fmt.Errorf("%v queue: %w: read of %d bytes at %#x crosses queue end %#x", q.qid, ErrBadHeader, len(dst), addr, q.offset+q.size)
	}
	n, err := q.falcon.CopyFromDMEM(addr, dst)
	if err != nil {
		return fmt.Errorf("%v queue: copy from DMEM %#x: %w", q.qid, addr, err)
	}
	if n != len(dst) {
		return &ShortReadError{Queue: q.qid, Offset: addr, Want: len(dst), Got: n}
	}
	return nil
}

// commit implements queue.commit.
func (q *dmemQueue) commit(size uint32) {
	q.tail += abi.AlignUp(size)
	q.regs.Write32(q.tailReg, q.tail)
}

// rewind implements queue.rewind.
func (q *dmemQueue) rewind() {
	q.tail = q.offset
	q.regs.Write32(q.tailReg, q.tail)
}

// cursor implements queue.cursor.
func (q *dmemQueue) cursor() uint32 {
	return q.tail
}

// maxMessageSize implements queue.maxMessageSize.
func (q *dmemQueue) maxMessageSize() uint32 {
	return q.size - abi.HeaderSize
}

// send implements cmdQueue.send. Payloads are copied into DMEM allocations
// and the command carries their descriptors.
func (q *dmemQueue) send(seq *sequence, hdr abi.Header, body []byte, pl *Payload) (err error) {
	size := uint32(abi.HeaderSize + abi.CmdPrefixSize + len(body))
	if size > q.maxMessageSize() || size > 0xffff {
		return fmt.Errorf("%w: command of %d bytes, limit %d", ErrMessageTooLarge, size, q.maxMessageSize())
	}
	hdr.Size = uint16(size)

	var in, out *dmemPayload
	defer func() {
		if err != nil {
			if in != nil {
				in.free()
			}
			if out != nil && out != in {
				out.free()
			}
		}
	}()
	if len(pl.In) > 0 {
		off, err := q.alloc.alloc(uint32(len(pl.In)))
		if err != nil {
			return err
		}
		in = &dmemPayload{falcon: q.falcon, alloc: q.alloc, offset: off, size: uint32(len(pl.In))}
		n, err := q.falcon.CopyToDMEM(off, pl.In)
		if err != nil {
			return fmt.Errorf("staging %d byte payload at DMEM %#x: %w", len(pl.In), off, err)
		}
		if n != len(pl.In) {
			return fmt.Errorf("staging payload at DMEM %#x: copied %d of %d bytes", off, n, len(pl.In))
		}
	}
	switch {
	case pl.InPlace:
		out = in
	case pl.OutSize > 0:
		off, err := q.alloc.alloc(pl.OutSize)
		if err != nil {
			return err
		}
		out = &dmemPayload{falcon: q.falcon, alloc: q.alloc, offset: off, size: pl.OutSize}
	}

	buf := make([]byte, size)
	hdr.MarshalBytes(buf)
	var inDesc, outDesc abi.PayloadDesc
	if in != nil {
		inDesc = abi.PayloadDesc{Offset: in.offset, Size: in.size}
	}
	if out != nil {
		outDesc = abi.PayloadDesc{Offset: out.offset, Size: out.size}
	}
	inDesc.MarshalBytes(buf[abi.HeaderSize:])
	outDesc.MarshalBytes(buf[abi.HeaderSize+abi.PayloadDescSize:])
	copy(buf[abi.HeaderSize+abi.CmdPrefixSize:], body)

	// The response may be dispatched as soon as the head register moves, so
	// seq must be complete before push publishes it.
	seq.in, seq.out = nil, scratchPayload{}
	if out != nil {
		seq.out = out
	}
	if in != nil && in != out {
		seq.in = in
	}
	if err := q.push(buf, seq.publish); err != nil {
		seq.in, seq.out = nil, nil
		return err
	}
	return nil
}

// push writes one command at the write cursor. publish, if set, is called
// once the command is in DMEM and before the head register moves.
func (q *dmemQueue) push(data []byte, publish func()) error {
	size := abi.AlignUp(uint32(len(data)))
	end := q.offset + q.size

	q.mu.Lock()
	defer q.mu.Unlock()
	tail := q.regs.Read32(q.tailReg)
	head := q.head

	var free uint32
	rewind := false
	if head >= tail {
		// Keep room for a REWIND header at the end.
		if end-head >= abi.HeaderSize {
			free = end - head - abi.HeaderSize
		}
		if size > free {
			rewind = true
			free = 0
			if tail > q.offset {
				free = tail - q.offset - 1
			}
		}
	} else {
		free = tail - head - 1
	}
	if size > free {
		return fmt.Errorf("%v queue: %w: need %d bytes, %d free", q.qid, ErrQueueFull, size, free)
	}

	if rewind {
		var rw [abi.HeaderSize]byte
		rh := abi.Header{UnitID: abi.UnitRewind, Size: abi.HeaderSize}
		rh.MarshalBytes(rw[:])
		if err := q.copyIn(head, rw[:]); err != nil {
			return err
		}
		head = q.offset
	}
	if err := q.copyIn(head, data); err != nil {
		return err
	}
	if publish != nil {
		publish()
	}
	q.head = head + size
	q.regs.Write32(q.headReg, q.head)
	return nil
}

func (q *dmemQueue) copyIn(addr uint32, data []byte) error {
	n, err := q.falcon.CopyToDMEM(addr, data)
	if err != nil {
		return fmt.Errorf("%v queue: copy to DMEM %#x: %w", q.qid, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("%v queue: copy to DMEM %#x: copied %d of %d bytes", q.qid, addr, n, len(data))
	}
	return nil
}
