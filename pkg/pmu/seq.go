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

// Callback is invoked once per command, from the dispatch context, when its
// response has been processed. out holds the extracted output payload and
// err any error observed while completing the command. msg is nil only if
// the response could not be associated with a message.
type Callback func(msg *Message, out []byte, err error)

type seqState int

const (
	seqFree seqState = iota

	// seqReserved slots belong to a command that is still being staged.
	// Responses naming them are rejected like those naming free slots.
	seqReserved

	seqUsed
)

// sequence is one slot of the sequence table. Its fields other than id and
// table are only meaningful while state is not seqFree.
type sequence struct {
	id    uint8
	state seqState
	table *sequenceTable

	// queue is the queue the command was sent on.
	queue QueueID

	// unit and ctrl are copied from the command header.
	unit abi.UnitID
	ctrl uint8

	// in and out own the command's staged payloads. in is nil when there is
	// nothing to free besides out; out is never nil for a sent command.
	in  payload
	out payload

	callback Callback

	// rpc is set for RPC commands.
	rpc *RPC
}

func (s *sequence) isRPC() bool {
	return s.ctrl&abi.CtrlCmdRPC != 0
}

// publish marks s as sent so that responses can find it. Queues call it
// with their own lock held, after the command is written and before the
// firmware is told about it; the queue lock is always taken before the
// table's.
func (s *sequence) publish() {
	if s.table == nil {
		return
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if s.state != seqReserved {
		panic(fmt.Sprintf("publishing sequence %d in state %d", s.id, s.state))
	}
	s.state = seqUsed
}

// sequenceTable correlates responses with the commands that caused them.
type sequenceTable struct {
	mu   sync.Mutex
	seqs []sequence
	used int
}

func newSequenceTable(n int) *sequenceTable {
	t := &sequenceTable{seqs: make([]sequence, n)}
	for i := range t.seqs {
		t.seqs[i].id = uint8(i)
		t.seqs[i].table = t
	}
	return t
}

// acquire reserves the lowest free slot. get ignores it until it is
// published.
func (t *sequenceTable) acquire() (*sequence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.seqs {
		s := &t.seqs[i]
		if s.state == seqFree {
			s.state = seqReserved
			t.used++
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: all %d in use", ErrNoSequence, len(t.seqs))
}

// get returns the published slot with the given id.
func (t *sequenceTable) get(id uint8) (*sequence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.seqs) || t.seqs[id].state != seqUsed {
		return nil, &SequenceError{ID: id}
	}
	return &t.seqs[id], nil
}

// release returns s to the free pool. It must be called exactly once per
// acquire: by the dispatch context once the slot's payloads have been
// extracted and freed, or by the poster if s was never published.
func (t *sequenceTable) release(s *sequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.state == seqFree {
		panic(fmt.Sprintf("releasing free sequence %d", s.id))
	}
	*s = sequence{id: s.id, table: t}
	t.used--
}

// inUse returns the number of used slots.
func (t *sequenceTable) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}
