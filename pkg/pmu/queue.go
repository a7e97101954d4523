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
	"fmt"

	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
)

// Message is a message popped from, or pushed to, a queue.
type Message struct {
	Hdr abi.Header

	// Payload holds the Hdr.Size-HeaderSize bytes following the header.
	Payload []byte
}

// queue is the read side of a ring buffer. Cursors are only advanced by
// commit and rewind.
type queue interface {
	// id returns the queue's identity.
	id() QueueID

	// isEmpty returns true if the producer has nothing pending.
	isEmpty() bool

	// pop copies len(dst) bytes located off bytes into the message at the
	// read cursor. It fails with ErrQueueEmpty if the queue is empty and
	// with *ShortReadError if fewer bytes were copied.
	pop(off uint32, dst []byte) error

	// commit moves the read cursor past the message of the given total size
	// and publishes it to the producer.
	commit(size uint32)

	// rewind moves the read cursor to the first element.
	rewind()

	// cursor returns the read cursor.
	cursor() uint32

	// maxMessageSize returns the largest message the queue can carry.
	maxMessageSize() uint32
}

// cmdQueue is the write side of a ring buffer.
type cmdQueue interface {
	id() QueueID

	// send stages the payloads of a command, records where they live in
	// seq and pushes the command, publishing seq just before the firmware
	// can see it. On failure nothing is left allocated and seq is still
	// reserved.
	send(seq *sequence, hdr abi.Header, body []byte, pl *Payload) error
}

// readMessage pops the next message from q.
//
// A REWIND header wraps the read cursor and the header is read once more;
// a second REWIND, or a failure of the second read, is returned as an error.
// The cursor is only committed once the whole message has been read.
func readMessage(q queue) (*Message, error) {
	var hdrBuf [abi.HeaderSize]byte
	if err := q.pop(0, hdrBuf[:]); err != nil {
		return nil, err
	}
	var hdr abi.Header
	hdr.UnmarshalBytes(hdrBuf[:])

	if hdr.UnitID == abi.UnitRewind {
		q.rewind()
		if err := q.pop(0, hdrBuf[:]); err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				return nil, fmt.Errorf("%v queue: %w: empty after REWIND", q.id(), ErrBadHeader)
			}
			return nil, fmt.Errorf("reading %v queue header after rewind: %w", q.id(), err)
		}
		hdr.UnmarshalBytes(hdrBuf[:])
		if hdr.UnitID == abi.UnitRewind {
			return nil, fmt.Errorf("%v queue: %w", q.id(), ErrRewindLoop)
		}
	}

	if !hdr.UnitID.IsValid() {
		return nil, fmt.Errorf("%v queue: %w: unit %v", q.id(), ErrBadHeader, hdr.UnitID)
	}
	if uint32(hdr.Size) < abi.HeaderSize || uint32(hdr.Size) > q.maxMessageSize() {
		return nil, fmt.Errorf("%v queue: %w: size %d outside [%d, %d]", q.id(), ErrBadHeader, hdr.Size, abi.HeaderSize, q.maxMessageSize())
	}

	msg := &Message{Hdr: hdr}
	if n := uint32(hdr.Size) - abi.HeaderSize; n > 0 {
		msg.Payload = make([]byte, n)
		if err := q.pop(abi.HeaderSize, msg.Payload); err != nil {
			return nil, fmt.Errorf("reading payload of %v: %w", hdr, err)
		}
	}
	q.commit(uint32(hdr.Size))
	return msg, nil
}
