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

	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
)

// ProcessMessages is the dispatch entry point. It must not be called
// concurrently for the same PMU.
//
// Until the PMU is ready, each call makes exactly one attempt to read the
// init message and does not otherwise touch the message queue; a malformed
// init message is fatal and returned by every later call. Once ready, the
// message queue is drained until it is empty, CanBusy returns false, or a
// message fails to be handled. In the latter case the failing message has
// already been consumed and the next call resumes after it.
func (p *PMU) ProcessMessages() error {
	if err := p.initFailure(); err != nil {
		return err
	}
	if !p.ready.Load() {
		return p.processInit()
	}
	for {
		if p.canBusy != nil && !p.canBusy() {
			return nil
		}
		msg, err := readMessage(p.msgq)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				return nil
			}
			p.log.WithError(err).Warning("reading message queue")
			return err
		}
		msg.Hdr.CtrlFlags &^= abi.CtrlInternalMask
		p.log.Debugf("received %v", msg.Hdr)

		if msg.Hdr.IsEvent() {
			err = p.handleEvent(msg)
		} else {
			err = p.handleResponse(msg)
		}
		if err != nil {
			return err
		}
	}
}

// handleResponse completes the command msg answers. The slot's payloads are
// extracted and freed before the callback runs, and the slot is released
// last.
func (p *PMU) handleResponse(msg *Message) error {
	seq, err := p.seqs.get(msg.Hdr.SeqID)
	if err != nil {
		p.log.WithField("seq", msg.Hdr.SeqID).Warningf("dropping response %v: %v", msg.Hdr, err)
		return err
	}

	out, err := seq.out.extract(msg)
	if seq.in != nil {
		seq.in.free()
	}
	seq.out.free()
	if err != nil {
		p.log.WithField("seq", seq.id).WithError(err).Warningf("extracting payload of %v", msg.Hdr)
	}

	if seq.isRPC() {
		if rerr := p.completeRPC(seq, msg, out, err); err == nil {
			err = rerr
		}
	}
	if seq.callback != nil {
		seq.callback(msg, out, err)
	}
	p.seqs.release(seq)
	return err
}
