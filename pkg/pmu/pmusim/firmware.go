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

// Package pmusim simulates the firmware side of a PMU falcon: its DMEM,
// its queue registers and enough of the firmware to boot, answer commands
// and RPCs, and raise events. It is used by tests and by pmuctl.
package pmusim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
	"gvisor.dev/nvpmu/pkg/surface"
)

// Falcon statuses returned by the simulated ACR unit.
const (
	StatusBadParams       uint32 = 0x1
	StatusNotReady        uint32 = 0x2
	StatusUnknownFunction uint32 = 0x3
)

// ErrMessageQueueFull is returned when the host has not drained enough of
// the message queue for the firmware to write a message.
var ErrMessageQueueFull = errors.New("message queue full")

// Layout places the DMEM queues and the host-managed payload area.
type Layout struct {
	DMEMSize          uint32
	CmdQueueOffset    uint32
	CmdQueueSize      uint16
	MsgQueueOffset    uint32
	MsgQueueSize      uint16
	ManagedAreaOffset uint32
	ManagedAreaSize   uint32
}

// DefaultLayout returns a layout with 1KiB queues and an 8KiB payload area.
func DefaultLayout() Layout {
	return Layout{
		DMEMSize:          0x4000,
		CmdQueueOffset:    0x800,
		CmdQueueSize:      0x400,
		MsgQueueOffset:    0xc00,
		MsgQueueSize:      0x400,
		ManagedAreaOffset: 0x1000,
		ManagedAreaSize:   0x2000,
	}
}

// Options configures a Firmware.
type Options struct {
	// Config is required. Only its queue settings are used.
	Config *pmuconf.Config

	// Layout defaults to DefaultLayout().
	Layout Layout

	// Surface is required for surface queues.
	Surface surface.Surface

	// Logger defaults to the standard logger.
	Logger *logrus.Entry
}

// Firmware is a simulated PMU firmware. All methods are safe for concurrent
// use.
type Firmware struct {
	DMEM *DMEM
	Regs *Registers

	queues pmuconf.Queues
	layout Layout
	surf   surface.Surface
	log    *logrus.Entry

	mu sync.Mutex
	// +checklocks:mu
	booted bool
	// cmdTail is the firmware's read cursor in the command queue.
	// +checklocks:mu
	cmdTail uint32
	// msgHead is the firmware's write cursor in the message queue.
	// +checklocks:mu
	msgHead uint32
	// forceRewind makes the next DMEM message start at the queue start.
	// +checklocks:mu
	forceRewind bool
	// status overrides the status of ACR functions.
	// +checklocks:mu
	status map[uint16]uint32
	// silent lists ACR functions that are never answered.
	// +checklocks:mu
	silent map[uint16]bool
	// +checklocks:mu
	received []abi.Header
	// +checklocks:mu
	rpcs []abi.RPCHeader
	// +checklocks:mu
	wprInit bool
	// +checklocks:mu
	bootstrapped uint32
}

// New returns a Firmware that has not booted yet.
func New(opts Options) (*Firmware, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("no configuration")
	}
	layout := opts.Layout
	if layout == (Layout{}) {
		layout = DefaultLayout()
	}
	if opts.Config.Queues.Backend == pmuconf.BackendSurface && opts.Surface == nil {
		return nil, fmt.Errorf("%s queues need a surface", opts.Config.Queues.Backend)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Firmware{
		DMEM:   NewDMEM(int(layout.DMEMSize)),
		Regs:   NewRegisters(),
		queues: opts.Config.Queues,
		layout: layout,
		surf:   opts.Surface,
		log:    log.WithField("subsys", "pmusim"),
		status: make(map[uint16]uint32),
		silent: make(map[uint16]bool),
	}, nil
}

// Boot resets the queues and sends a well-formed init message.
func (f *Firmware) Boot() error {
	init := abi.InitMsg{
		MsgType: abi.InitMsgTypePMUInit,
		Queues: [abi.QueueCount]abi.QueueInfo{
			abi.QueueIndexCmd: {Offset: f.layout.CmdQueueOffset, Size: f.layout.CmdQueueSize, Index: abi.QueueIndexCmd},
			abi.QueueIndexMsg: {Offset: f.layout.MsgQueueOffset, Size: f.layout.MsgQueueSize, Index: abi.QueueIndexMsg},
		},
		ManagedAreaOffset: f.layout.ManagedAreaOffset,
		ManagedAreaSize:   f.layout.ManagedAreaSize,
	}
	buf := make([]byte, abi.InitMsgSize)
	init.MarshalBytes(buf)
	return f.BootWithMessage(abi.Header{UnitID: abi.UnitInit}, buf)
}

// BootWithMessage resets the queues and sends hdr and payload as the first
// message, whatever they contain.
func (f *Firmware) BootWithMessage(hdr abi.Header, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &f.queues
	switch q.Backend {
	case pmuconf.BackendSurface:
		f.cmdTail, f.msgHead = 0, 0
	default:
		f.cmdTail, f.msgHead = f.layout.CmdQueueOffset, f.layout.MsgQueueOffset
	}
	f.Regs.Write32(q.CmdHeadReg, f.cmdTail)
	f.Regs.Write32(q.CmdTailReg, f.cmdTail)
	f.Regs.Write32(q.MsgHeadReg, f.msgHead)
	f.Regs.Write32(q.MsgTailReg, f.msgHead)
	f.booted = true
	f.wprInit = false
	f.bootstrapped = 0
	f.log.Debug("booted")
	return f.sendLocked(hdr, payload)
}

// SetStatus makes the ACR unit fail function with status. A status of
// abi.FlcnStatusOK restores normal behavior.
func (f *Firmware) SetStatus(function uint16, status uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == abi.FlcnStatusOK {
		delete(f.status, function)
		return
	}
	f.status[function] = status
}

// Silence makes the ACR unit drop requests for function without answering.
func (f *Firmware) Silence(function uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[function] = true
}

// ForceRewind makes the next message written to a DMEM message queue start
// at the beginning of the queue, preceded by a REWIND header.
func (f *Firmware) ForceRewind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceRewind = true
}

// Received returns the headers of all commands received since boot.
func (f *Firmware) Received() []abi.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]abi.Header(nil), f.received...)
}

// RPCs returns the envelopes of all RPCs received since boot, in order.
func (f *Firmware) RPCs() []abi.RPCHeader {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]abi.RPCHeader(nil), f.rpcs...)
}

// Bootstrapped returns the mask of falcons bootstrapped since boot.
func (f *Firmware) Bootstrapped() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootstrapped
}

// SendMessage writes a message with the given header and payload to the
// message queue. hdr.Size is computed.
func (f *Firmware) SendMessage(hdr abi.Header, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendLocked(hdr, payload)
}

// SendEvent sends an event from unit.
func (f *Firmware) SendEvent(unit abi.UnitID, payload []byte) error {
	return f.SendMessage(abi.Header{UnitID: unit, CtrlFlags: abi.CtrlEvent}, payload)
}

// SendRPCEvent sends an unsolicited RPC carrying env and params.
func (f *Firmware) SendRPCEvent(env abi.RPCHeader, params []byte) error {
	buf := make([]byte, abi.RPCHeaderSize+len(params))
	env.MarshalBytes(buf)
	copy(buf[abi.RPCHeaderSize:], params)
	return f.SendMessage(abi.Header{UnitID: abi.UnitRPC, CtrlFlags: abi.CtrlRPCEvent}, buf)
}

// +checklocks:f.mu
func (f *Firmware) sendLocked(hdr abi.Header, payload []byte) error {
	size := abi.HeaderSize + len(payload)
	if size > 0xffff {
		return fmt.Errorf("message of %d bytes", size)
	}
	hdr.Size = uint16(size)
	data := make([]byte, size)
	hdr.MarshalBytes(data)
	copy(data[abi.HeaderSize:], payload)
	if f.queues.Backend == pmuconf.BackendSurface {
		return f.writeSurfaceLocked(data)
	}
	return f.writeDMEMLocked(data)
}

// +checklocks:f.mu
func (f *Firmware) writeDMEMLocked(data []byte) error {
	size := abi.AlignUp(uint32(len(data)))
	start := f.layout.MsgQueueOffset
	end := start + uint32(f.layout.MsgQueueSize)
	tail := f.Regs.Read32(f.queues.MsgTailReg)
	head := f.msgHead

	var free uint32
	rewind := false
	if head >= tail {
		if end-head >= abi.HeaderSize {
			free = end - head - abi.HeaderSize
		}
		if size > free || (f.forceRewind && head != start) {
			rewind = true
			free = 0
			if tail > start {
				free = tail - start - 1
			}
		}
	} else {
		free = tail - head - 1
	}
	if size > free {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrMessageQueueFull, size, free)
	}
	if rewind {
		var rw [abi.HeaderSize]byte
		rh := abi.Header{UnitID: abi.UnitRewind, Size: abi.HeaderSize}
		rh.MarshalBytes(rw[:])
		if err := f.DMEM.write(head, rw[:]); err != nil {
			return err
		}
		head = start
	}
	if err := f.DMEM.write(head, data); err != nil {
		return err
	}
	f.forceRewind = false
	f.msgHead = head + size
	f.Regs.Write32(f.queues.MsgHeadReg, f.msgHead)
	return nil
}

// +checklocks:f.mu
func (f *Firmware) writeSurfaceLocked(data []byte) error {
	q := &f.queues
	if uint32(len(data)) > q.ElementSize {
		return fmt.Errorf("message of %d bytes exceeds element size %d", len(data), q.ElementSize)
	}
	tail := f.Regs.Read32(q.MsgTailReg) % q.ElementCount
	next := (f.msgHead + 1) % q.ElementCount
	if next == tail {
		return fmt.Errorf("%w: %d elements pending", ErrMessageQueueFull, q.ElementCount-1)
	}
	off := int64(q.MsgOffset) + int64(f.msgHead)*int64(q.ElementSize)
	if _, err := f.surf.WriteAt(data, off); err != nil {
		return fmt.Errorf("writing message element %d: %w", f.msgHead, err)
	}
	f.msgHead = next
	f.Regs.Write32(q.MsgHeadReg, f.msgHead)
	return nil
}

// store is where the payloads of one command live.
type store interface {
	read(off uint32, b []byte) error
	write(off uint32, b []byte) error
}

// elementStore addresses payloads relative to a command queue element.
type elementStore struct {
	surf surface.Surface
	base int64
}

func (s elementStore) read(off uint32, b []byte) error {
	_, err := s.surf.ReadAt(b, s.base+int64(off))
	return err
}

func (s elementStore) write(off uint32, b []byte) error {
	_, err := s.surf.WriteAt(b, s.base+int64(off))
	return err
}

// Step executes every pending command and returns how many were executed.
// It does nothing before Boot.
func (f *Firmware) Step() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.booted {
		return 0, nil
	}
	n := 0
	for {
		var (
			ok  bool
			err error
		)
		if f.queues.Backend == pmuconf.BackendSurface {
			ok, err = f.stepSurfaceLocked()
		} else {
			ok, err = f.stepDMEMLocked()
		}
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// +checklocks:f.mu
func (f *Firmware) stepDMEMLocked() (bool, error) {
	q := &f.queues
	for rewinds := 0; ; rewinds++ {
		if f.Regs.Read32(q.CmdHeadReg) == f.cmdTail {
			return false, nil
		}
		var hdrBuf [abi.HeaderSize]byte
		if err := f.DMEM.read(f.cmdTail, hdrBuf[:]); err != nil {
			return false, err
		}
		var hdr abi.Header
		hdr.UnmarshalBytes(hdrBuf[:])
		if hdr.UnitID == abi.UnitRewind {
			if rewinds > 0 {
				return false, fmt.Errorf("REWIND at start of command queue")
			}
			f.cmdTail = f.layout.CmdQueueOffset
			f.Regs.Write32(q.CmdTailReg, f.cmdTail)
			continue
		}
		if hdr.Size < abi.HeaderSize+abi.CmdPrefixSize {
			return false, fmt.Errorf("command %v too short", hdr)
		}
		msg := make([]byte, hdr.Size)
		if err := f.DMEM.read(f.cmdTail, msg); err != nil {
			return false, err
		}
		f.cmdTail += abi.AlignUp(uint32(hdr.Size))
		f.Regs.Write32(q.CmdTailReg, f.cmdTail)
		return true, f.executeLocked(hdr, msg[abi.HeaderSize:], f.DMEM)
	}
}

// +checklocks:f.mu
func (f *Firmware) stepSurfaceLocked() (bool, error) {
	q := &f.queues
	if f.Regs.Read32(q.CmdHeadReg)%q.ElementCount == f.cmdTail {
		return false, nil
	}
	base := int64(q.CmdOffset) + int64(f.cmdTail)*int64(q.ElementSize)
	elem := make([]byte, q.ElementSize)
	if _, err := f.surf.ReadAt(elem, base); err != nil {
		return false, fmt.Errorf("reading command element %d: %w", f.cmdTail, err)
	}
	var hdr abi.Header
	hdr.UnmarshalBytes(elem)
	if hdr.Size < abi.HeaderSize+abi.CmdPrefixSize || uint32(hdr.Size) > q.ElementSize {
		return false, fmt.Errorf("command %v has invalid size", hdr)
	}
	f.cmdTail = (f.cmdTail + 1) % q.ElementCount
	f.Regs.Write32(q.CmdTailReg, f.cmdTail)
	return true, f.executeLocked(hdr, elem[abi.HeaderSize:hdr.Size], elementStore{surf: f.surf, base: base})
}

// executeLocked runs one command and answers it. RPCs are executed by their
// unit; other commands are echoed: the input payload is copied to the
// output payload and the body is returned inline.
//
// +checklocks:f.mu
func (f *Firmware) executeLocked(hdr abi.Header, body []byte, st store) error {
	f.received = append(f.received, hdr)
	var inDesc, outDesc abi.PayloadDesc
	inDesc.UnmarshalBytes(body)
	outDesc.UnmarshalBytes(body[abi.PayloadDescSize:])
	in := make([]byte, inDesc.Size)
	if len(in) > 0 {
		if err := st.read(inDesc.Offset, in); err != nil {
			return fmt.Errorf("reading input payload of %v: %w", hdr, err)
		}
	}
	resp := abi.Header{UnitID: hdr.UnitID, SeqID: hdr.SeqID}

	if hdr.CtrlFlags&abi.CtrlCmdRPC == 0 {
		if outDesc.Size > 0 {
			out := make([]byte, outDesc.Size)
			copy(out, in)
			if err := st.write(outDesc.Offset, out); err != nil {
				return fmt.Errorf("writing output payload of %v: %w", hdr, err)
			}
		}
		return f.sendLocked(resp, body[abi.CmdPrefixSize:])
	}

	if len(in) < abi.RPCHeaderSize {
		return fmt.Errorf("RPC %v carries %d bytes, want at least %d", hdr, len(in), abi.RPCHeaderSize)
	}
	var env abi.RPCHeader
	env.UnmarshalBytes(in)
	f.rpcs = append(f.rpcs, env)
	if hdr.UnitID == abi.UnitACR && f.silent[env.Function] {
		f.log.Debugf("dropping RPC %v", env)
		return nil
	}
	env.FlcnStatus = f.runRPCLocked(hdr.UnitID, env.Function, in[abi.RPCHeaderSize:])
	env.MarshalBytes(in)
	if outDesc.Size < abi.RPCHeaderSize {
		// No room for results: return them inline.
		return f.sendLocked(resp, in)
	}
	out := make([]byte, outDesc.Size)
	copy(out, in)
	if err := st.write(outDesc.Offset, out); err != nil {
		return fmt.Errorf("writing RPC results of %v: %w", hdr, err)
	}
	return f.sendLocked(resp, nil)
}

// runRPCLocked executes an RPC and returns its falcon status. Only the ACR
// unit is modeled; RPCs to other units succeed without effect.
//
// +checklocks:f.mu
func (f *Firmware) runRPCLocked(unit abi.UnitID, function uint16, params []byte) uint32 {
	if unit != abi.UnitACR {
		return abi.FlcnStatusOK
	}
	if status, ok := f.status[function]; ok {
		return status
	}
	switch function {
	case abi.ACRInitWPRRegion:
		if len(params) < abi.ACRInitWPRRegionParamsSize {
			return StatusBadParams
		}
		f.wprInit = true
	case abi.ACRBootstrapFalcon:
		if len(params) < abi.ACRBootstrapFalconParamsSize {
			return StatusBadParams
		}
		if !f.wprInit {
			return StatusNotReady
		}
		var p abi.ACRBootstrapFalconParams
		p.UnmarshalBytes(params)
		f.bootstrapped |= abi.FalconID(p.FalconID).Bit()
	case abi.ACRBootstrapGRFalcons:
		if len(params) < abi.ACRBootstrapGRFalconsParamsSize {
			return StatusBadParams
		}
		if !f.wprInit {
			return StatusNotReady
		}
		var p abi.ACRBootstrapGRFalconsParams
		p.UnmarshalBytes(params)
		f.bootstrapped |= p.FalconMask
	default:
		return StatusUnknownFunction
	}
	f.log.Debugf("ACR function %d done", function)
	return abi.FlcnStatusOK
}
