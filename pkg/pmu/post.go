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

	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
)

// Command is a command to post to the PMU.
type Command struct {
	Unit abi.UnitID

	// CtrlFlags may only contain abi.CtrlCmdRPC.
	CtrlFlags uint8

	// Body follows the payload descriptors in the command.
	Body []byte

	Payload Payload

	// Callback, if set, is invoked once the response has been processed.
	Callback Callback
}

// Post sends cmd and returns the sequence id it was sent with.
//
// Post never blocks waiting for resources: if no sequence, DMEM or queue
// space is available it fails with ErrNoSequence, ErrNoDMEM or ErrQueueFull
// and the caller may retry after responses have been processed.
func (p *PMU) Post(cmd *Command) (uint8, error) {
	return p.post(cmd, nil)
}

func (p *PMU) post(cmd *Command, rpc *RPC) (uint8, error) {
	if !p.ready.Load() {
		return 0, ErrNotReady
	}
	if cmd.Unit == abi.UnitRewind || !cmd.Unit.IsValid() {
		return 0, fmt.Errorf("cannot post to unit %v", cmd.Unit)
	}
	if cmd.CtrlFlags&^abi.CtrlCmdRPC != 0 {
		return 0, fmt.Errorf("invalid command control flags %#x", cmd.CtrlFlags)
	}

	seq, err := p.seqs.acquire()
	if err != nil {
		return 0, err
	}
	seq.queue = CommandQueue
	seq.unit = cmd.Unit
	seq.ctrl = cmd.CtrlFlags
	seq.callback = cmd.Callback
	seq.rpc = rpc

	hdr := abi.Header{
		UnitID:    cmd.Unit,
		CtrlFlags: cmd.CtrlFlags,
		SeqID:     seq.id,
	}
	if err := p.cmdq.send(seq, hdr, cmd.Body, &cmd.Payload); err != nil {
		id := seq.id
		p.seqs.release(seq)
		return 0, fmt.Errorf("posting %v command with sequence %d: %w", cmd.Unit, id, err)
	}
	p.log.WithField("seq", hdr.SeqID).Debugf("posted %v command, %d body bytes", cmd.Unit, len(cmd.Body))
	return hdr.SeqID, nil
}
