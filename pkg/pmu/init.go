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

	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
)

// processInit reads and interprets the init message. It returns nil without
// side effects if the firmware has not sent it yet. Any other failure is
// latched: the PMU never becomes ready.
func (p *PMU) processInit() error {
	var err error
	switch p.conf.Queues.Backend {
	case pmuconf.BackendSurface:
		err = p.processSurfaceInit()
	default:
		err = p.processDMEMInit()
	}
	if errors.Is(err, ErrQueueEmpty) {
		return nil
	}
	if err != nil {
		if !errors.Is(err, ErrInit) {
			err = fmt.Errorf("%w: %w", ErrInit, err)
		}
		p.initMu.Lock()
		p.initErr = err
		p.initMu.Unlock()
		p.log.WithError(err).Error("PMU initialization failed")
		return err
	}
	p.ready.Store(true)
	return nil
}

// processDMEMInit reads the init message at the message queue's tail
// register. The message describes where both queues and the payload area
// live in DMEM.
func (p *PMU) processDMEMInit() error {
	q := &p.conf.Queues
	tail := p.regs.Read32(q.MsgTailReg)
	if p.regs.Read32(q.MsgHeadReg) == tail {
		return ErrQueueEmpty
	}

	var hdrBuf [abi.HeaderSize]byte
	if err := p.copyFromDMEM(tail, hdrBuf[:]); err != nil {
		return err
	}
	var hdr abi.Header
	hdr.UnmarshalBytes(hdrBuf[:])
	if hdr.UnitID != abi.UnitInit {
		return &InitError{Reason: fmt.Sprintf("expected %v message, got %v", abi.UnitInit, hdr)}
	}
	if hdr.Size < abi.HeaderSize+abi.InitMsgSize {
		return &InitError{Reason: fmt.Sprintf("init message of %d bytes, want at least %d", hdr.Size, abi.HeaderSize+abi.InitMsgSize)}
	}

	buf := make([]byte, abi.InitMsgSize)
	if err := p.copyFromDMEM(tail+abi.HeaderSize, buf); err != nil {
		return err
	}
	var init abi.InitMsg
	init.UnmarshalBytes(buf)
	if init.MsgType != abi.InitMsgTypePMUInit {
		return &InitError{Reason: fmt.Sprintf("init message type %d, want %d", init.MsgType, abi.InitMsgTypePMUInit)}
	}
	for i, qi := range init.Queues {
		if int(qi.Index) != i {
			return &InitError{Reason: fmt.Sprintf("queue %d reports index %d", i, qi.Index)}
		}
		if uint32(qi.Size) <= 2*abi.HeaderSize {
			return &InitError{Reason: fmt.Sprintf("queue %d of %d bytes is too small", i, qi.Size)}
		}
	}
	tail += abi.AlignUp(uint32(hdr.Size))
	p.regs.Write32(q.MsgTailReg, tail)

	cq := init.Queues[abi.QueueIndexCmd]
	mq := init.Queues[abi.QueueIndexMsg]
	if tail < mq.Offset || tail > mq.Offset+uint32(mq.Size) {
		return &InitError{Reason: fmt.Sprintf("message tail %#x outside message queue [%#x, %#x)", tail, mq.Offset, mq.Offset+uint32(mq.Size))}
	}
	p.alloc = newAllocator(init.ManagedAreaOffset, init.ManagedAreaSize)
	cmdq := &dmemQueue{
		qid:     CommandQueue,
		falcon:  p.falcon,
		regs:    p.regs,
		headReg: q.CmdHeadReg,
		tailReg: q.CmdTailReg,
		offset:  cq.Offset,
		size:    uint32(cq.Size),
		alloc:   p.alloc,
		head:    cq.Offset,
	}
	p.regs.Write32(q.CmdHeadReg, cmdq.head)
	p.cmdq = cmdq
	p.msgq = &dmemQueue{
		qid:     MessageQueue,
		falcon:  p.falcon,
		regs:    p.regs,
		headReg: q.MsgHeadReg,
		tailReg: q.MsgTailReg,
		offset:  mq.Offset,
		size:    uint32(mq.Size),
		tail:    tail,
	}
	p.log.WithFields(logrus.Fields{
		"cmd_queue":    fmt.Sprintf("%#x+%#x", cq.Offset, cq.Size),
		"msg_queue":    fmt.Sprintf("%#x+%#x", mq.Offset, mq.Size),
		"managed_area": fmt.Sprintf("%#x+%#x", init.ManagedAreaOffset, init.ManagedAreaSize),
	}).Info("PMU ready")
	return nil
}

func (p *PMU) copyFromDMEM(src uint32, dst []byte) error {
	n, err := p.falcon.CopyFromDMEM(src, dst)
	if err != nil {
		return fmt.Errorf("copy from DMEM %#x: %w", src, err)
	}
	if n != len(dst) {
		return &ShortReadError{Queue: MessageQueue, Offset: src, Want: len(dst), Got: n}
	}
	return nil
}

// processSurfaceInit reads the init message from the element at the
// message queue's tail. Queue geometry comes from the configuration.
func (p *PMU) processSurfaceInit() error {
	q := &p.conf.Queues
	msgq := p.msgq
	if msgq == nil {
		msgq = newSurfaceQueue(MessageQueue, p.surf, p.regs, q.MsgHeadReg, q.MsgTailReg, q.MsgOffset, q.ElementSize, q.ElementCount)
		p.msgq = msgq
	}
	msg, err := readMessage(msgq)
	if err != nil {
		return err
	}
	if msg.Hdr.UnitID != abi.UnitInit {
		return &InitError{Reason: fmt.Sprintf("expected %v message, got %v", abi.UnitInit, msg.Hdr)}
	}
	p.cmdq = newSurfaceQueue(CommandQueue, p.surf, p.regs, q.CmdHeadReg, q.CmdTailReg, q.CmdOffset, q.ElementSize, q.ElementCount)
	p.log.WithFields(logrus.Fields{
		"elements":     q.ElementCount,
		"element_size": q.ElementSize,
	}).Info("PMU ready")
	return nil
}
