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
)

// Payload describes the out-of-band payloads of a command.
type Payload struct {
	// In is copied next to the command before it is sent.
	In []byte

	// OutSize is the size of the output buffer reserved for the firmware.
	// If zero and InPlace is false, the response carries its output inline.
	OutSize uint32

	// InPlace asks the firmware to write its output over In.
	InPlace bool
}

// payload is storage owned by a sequence. Each implementation knows where
// its bytes live and how to give the storage back.
type payload interface {
	// extract copies the payload out. msg is the response that completed
	// the sequence.
	extract(msg *Message) ([]byte, error)

	// free releases the storage. It is called exactly once.
	free()
}

// dmemPayload lives in an allocation from the DMEM managed area.
type dmemPayload struct {
	falcon Falcon
	alloc  *allocator
	offset uint32
	size   uint32
}

// extract implements payload.extract.
func (p *dmemPayload) extract(*Message) ([]byte, error) {
	if p.size == 0 {
		return nil, nil
	}
	buf := make([]byte, p.size)
	n, err := p.falcon.CopyFromDMEM(p.offset, buf)
	if err != nil {
		return nil, fmt.Errorf("copying %d bytes from DMEM %#x: %w", p.size, p.offset, err)
	}
	if n != len(buf) {
		return nil, &ShortReadError{Queue: CommandQueue, Offset: p.offset, Want: len(buf), Got: n}
	}
	return buf, nil
}

// free implements payload.free.
func (p *dmemPayload) free() {
	p.alloc.release(p.offset, p.size)
}

// surfacePayload lives inside a command queue element in the shared
// surface. The element stays reserved until free is called.
type surfacePayload struct {
	q     *surfaceQueue
	index uint32

	// offset is relative to the start of the element.
	offset uint32
	size   uint32
}

// extract implements payload.extract. A zero-sized surface payload carries
// no output of its own; the response's inline payload is returned instead.
func (p *surfacePayload) extract(msg *Message) ([]byte, error) {
	if p.size == 0 {
		return msg.Payload, nil
	}
	buf := make([]byte, p.size)
	off := int64(p.q.offset) + int64(p.offset) + int64(p.index)*int64(p.q.elemSize)
	n, err := p.q.surf.ReadAt(buf, off)
	if n != len(buf) {
		if err == nil {
			err = &ShortReadError{Queue: p.q.qid, Offset: uint32(off), Want: len(buf), Got: n}
		}
		return nil, fmt.Errorf("copying %d bytes from surface offset %#x: %w", p.size, off, err)
	}
	return buf, nil
}

// free implements payload.free.
func (p *surfacePayload) free() {
	p.q.releaseElement(p.index)
}

// scratchPayload is the inline payload of the response itself, already
// copied into a host buffer when the message was popped.
type scratchPayload struct{}

// extract implements payload.extract.
func (scratchPayload) extract(msg *Message) ([]byte, error) {
	return msg.Payload, nil
}

// free implements payload.free.
func (scratchPayload) free() {}
