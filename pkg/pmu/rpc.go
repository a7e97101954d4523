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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/poll"
)

// RPCHandler receives the results of successful RPCs for one unit. It is
// called from the dispatch context with the decoded envelope and the
// parameters that follow it. params is only valid during the call.
type RPCHandler interface {
	HandleRPC(hdr abi.RPCHeader, params []byte)
}

// RPCHandlerFunc adapts a function to RPCHandler.
type RPCHandlerFunc func(hdr abi.RPCHeader, params []byte)

// HandleRPC implements RPCHandler.HandleRPC.
func (f RPCHandlerFunc) HandleRPC(hdr abi.RPCHeader, params []byte) {
	f(hdr, params)
}

// RPCOptions are optional arguments to PostRPC.
type RPCOptions struct {
	// Buffer, if set, receives a copy of the returned parameters. The RPC
	// fails with *PayloadSizeError if they do not fit.
	Buffer []byte

	// Callback, if set, is invoked like a command callback once the RPC
	// has completed. out holds the raw envelope and parameters.
	Callback Callback
}

// RPC tracks an RPC posted with PostRPC.
type RPC struct {
	// Unit and Function are immutable.
	Unit     abi.UnitID
	Function uint16

	// SeqID is the sequence the RPC was sent with. Immutable.
	SeqID uint8

	buf []byte

	// The fields below are written by the dispatch context before done is
	// set and are immutable afterwards.
	hdr    abi.RPCHeader
	params []byte
	err    error

	done atomic.Bool
}

// Done returns true once the RPC's response has been processed, whether or
// not it succeeded.
func (r *RPC) Done() bool {
	return r.done.Load()
}

// Err returns the RPC's outcome: nil on success, *RPCStatusError if the
// firmware reported a failure, or the error that prevented its response
// from being processed. It returns ErrNotReady until Done returns true.
func (r *RPC) Err() error {
	if !r.done.Load() {
		return ErrNotReady
	}
	return r.err
}

// Header returns the envelope returned by the firmware. It is only valid
// once Done returns true.
func (r *RPC) Header() abi.RPCHeader {
	if !r.done.Load() {
		return abi.RPCHeader{}
	}
	return r.hdr
}

// Params returns the parameters returned by the firmware, which alias the
// caller's buffer if one was given. It is only valid once Done returns true.
func (r *RPC) Params() []byte {
	if !r.done.Load() {
		return nil
	}
	return r.params
}

func (r *RPC) complete(hdr abi.RPCHeader, params []byte, err error) {
	r.hdr = hdr
	if r.buf != nil {
		n := copy(r.buf, params)
		params = r.buf[:n]
	}
	r.params = params
	r.err = err
	r.done.Store(true)
}

// PostRPC sends an RPC to function of unit. params follow the envelope in
// the command's input payload, which the firmware overwrites with its
// results.
func (p *PMU) PostRPC(unit abi.UnitID, function uint16, params []byte, opts *RPCOptions) (*RPC, error) {
	if opts == nil {
		opts = &RPCOptions{}
	}
	in := make([]byte, abi.RPCHeaderSize+len(params))
	env := abi.RPCHeader{UnitID: unit, Function: function}
	env.MarshalBytes(in)
	copy(in[abi.RPCHeaderSize:], params)

	rpc := &RPC{
		Unit:     unit,
		Function: function,
		buf:      opts.Buffer,
	}
	seq, err := p.post(&Command{
		Unit:      unit,
		CtrlFlags: abi.CtrlCmdRPC,
		Payload:   Payload{In: in, InPlace: true},
		Callback:  opts.Callback,
	}, rpc)
	if err != nil {
		return nil, err
	}
	rpc.SeqID = seq
	return rpc, nil
}

// WaitRPC blocks until rpc completes or timeout elapses, and returns its
// outcome. Responses are processed by ProcessMessages; WaitRPC only
// observes them. An RPC abandoned after a timeout keeps its sequence until
// its response arrives.
func (p *PMU) WaitRPC(ctx context.Context, rpc *RPC, timeout time.Duration) error {
	op := fmt.Sprintf("RPC %v/%d", rpc.Unit, rpc.Function)
	if err := poll.Until(ctx, op, poll.Options{Timeout: timeout, Clock: p.clock}, func() (bool, error) {
		return rpc.Done(), nil
	}); err != nil {
		return err
	}
	return rpc.Err()
}

// completeRPC decodes the envelope of an RPC response and marks the RPC
// complete. The unit's handler only sees successful RPCs. An error is
// returned only if the response is malformed or its parameters do not fit
// the caller's buffer.
func (p *PMU) completeRPC(seq *sequence, msg *Message, out []byte, err error) error {
	rpc := seq.rpc
	if err != nil {
		if rpc != nil {
			rpc.complete(abi.RPCHeader{}, nil, err)
		}
		return nil
	}
	if len(out) < abi.RPCHeaderSize {
		err := fmt.Errorf("%w: RPC response %v carries %d payload bytes, want at least %d", ErrBadHeader, msg.Hdr, len(out), abi.RPCHeaderSize)
		if rpc != nil {
			rpc.complete(abi.RPCHeader{}, nil, err)
		}
		return err
	}
	var hdr abi.RPCHeader
	hdr.UnmarshalBytes(out)
	params := out[abi.RPCHeaderSize:]

	if hdr.FlcnStatus != abi.FlcnStatusOK {
		p.log.WithFields(logrus.Fields{
			"unit":     msg.Hdr.UnitID,
			"function": hdr.Function,
			"status":   fmt.Sprintf("%#x", hdr.FlcnStatus),
		}).Warning("RPC failed")
		if rpc != nil {
			rpc.complete(hdr, params, &RPCStatusError{Unit: msg.Hdr.UnitID, Function: hdr.Function, Status: hdr.FlcnStatus})
		}
		return nil
	}
	if rpc != nil && rpc.buf != nil && len(params) > len(rpc.buf) {
		err := &PayloadSizeError{SeqID: seq.id, Want: len(rpc.buf), Got: len(params)}
		p.log.WithField("seq", seq.id).WithError(err).Warningf("failing RPC %v/%d", msg.Hdr.UnitID, hdr.Function)
		rpc.complete(hdr, nil, err)
		return err
	}
	if h := p.rpcHandler(msg.Hdr.UnitID); h != nil {
		h.HandleRPC(hdr, params)
	}
	if rpc != nil {
		rpc.complete(hdr, params, nil)
	}
	return nil
}

// handleRPCEvent routes an unsolicited RPC to the handler of the unit named
// in its envelope.
func (p *PMU) handleRPCEvent(msg *Message) error {
	if len(msg.Payload) < abi.RPCHeaderSize {
		return fmt.Errorf("%w: RPC event %v carries %d payload bytes, want at least %d", ErrBadHeader, msg.Hdr, len(msg.Payload), abi.RPCHeaderSize)
	}
	var hdr abi.RPCHeader
	hdr.UnmarshalBytes(msg.Payload)
	if hdr.FlcnStatus != abi.FlcnStatusOK {
		p.log.WithFields(logrus.Fields{
			"unit":     hdr.UnitID,
			"function": hdr.Function,
			"status":   fmt.Sprintf("%#x", hdr.FlcnStatus),
		}).Warning("RPC event reports failure")
		return nil
	}
	h := p.rpcHandler(hdr.UnitID)
	if h == nil {
		p.eventsLog.WithField("unit", hdr.UnitID).Warningf("ignoring RPC event %v: no handler", hdr)
		return nil
	}
	h.HandleRPC(hdr, msg.Payload[abi.RPCHeaderSize:])
	return nil
}
