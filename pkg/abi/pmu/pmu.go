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

// Package pmu contains the wire layout of messages exchanged with the GPU's
// PMU falcon over its command and message queues.
//
// All multi-byte fields are little endian.
package pmu

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of every structure in this package.
var ByteOrder = binary.LittleEndian

// UnitID identifies the firmware unit that a message is addressed to or
// originates from.
type UnitID uint16

// Unit identifiers.
const (
	// UnitRewind is not a real unit: a header carrying it tells the reader
	// to wrap its cursor to the start of the queue and read again.
	UnitRewind  UnitID = 0x00
	UnitPG      UnitID = 0x03
	UnitInit    UnitID = 0x07
	UnitACR     UnitID = 0x0a
	UnitPerfmon UnitID = 0x12
	UnitTherm   UnitID = 0x14
	UnitRPC     UnitID = 0x1f

	// UnitEnd is one past the largest valid unit id.
	UnitEnd UnitID = 0x23
)

// String implements fmt.Stringer.
func (u UnitID) String() string {
	switch u {
	case UnitRewind:
		return "REWIND"
	case UnitPG:
		return "PG"
	case UnitInit:
		return "INIT"
	case UnitACR:
		return "ACR"
	case UnitPerfmon:
		return "PERFMON"
	case UnitTherm:
		return "THERM"
	case UnitRPC:
		return "RPC"
	default:
		return fmt.Sprintf("unit(%#x)", uint16(u))
	}
}

// IsValid returns true if u may appear in a message header.
func (u UnitID) IsValid() bool {
	return u < UnitEnd
}

// Control flags carried in Header.CtrlFlags.
const (
	// CtrlEvent marks an unsolicited message.
	CtrlEvent uint8 = 1 << 0

	// CtrlRPCEvent marks an unsolicited message carrying an RPC envelope.
	CtrlRPCEvent uint8 = 1 << 1

	// CtrlCmdRPC is set on commands whose payload is an RPC envelope.
	CtrlCmdRPC uint8 = 1 << 2

	// CtrlInternalMask covers bits used by firmware internally. They are
	// cleared before a message is classified.
	CtrlInternalMask uint8 = 0xf0
)

const (
	// HeaderSize is the size of Header on the wire.
	HeaderSize = 8

	// QueueAlignment is the alignment of messages in DMEM queues.
	QueueAlignment = 4
)

// Header is the fixed header at the start of every command and message.
type Header struct {
	UnitID    UnitID
	Size      uint16 // Total bytes, header included.
	CtrlFlags uint8
	SeqID     uint8
}

// String implements fmt.Stringer.
func (h Header) String() string {
	return fmt.Sprintf("{unit=%v size=%d ctrl=%#x seq=%d}", h.UnitID, h.Size, h.CtrlFlags, h.SeqID)
}

// IsEvent returns true if h describes an unsolicited message.
func (h Header) IsEvent() bool {
	return h.CtrlFlags&(CtrlEvent|CtrlRPCEvent) != 0
}

// MarshalBytes serializes h into dst, which must be at least HeaderSize
// bytes long.
func (h *Header) MarshalBytes(dst []byte) {
	ByteOrder.PutUint16(dst[0:], uint16(h.UnitID))
	ByteOrder.PutUint16(dst[2:], h.Size)
	dst[4] = h.CtrlFlags
	dst[5] = h.SeqID
	dst[6] = 0
	dst[7] = 0
}

// UnmarshalBytes deserializes h from src, which must be at least HeaderSize
// bytes long.
func (h *Header) UnmarshalBytes(src []byte) {
	h.UnitID = UnitID(ByteOrder.Uint16(src[0:]))
	h.Size = ByteOrder.Uint16(src[2:])
	h.CtrlFlags = src[4]
	h.SeqID = src[5]
}

// AlignUp rounds n up to a multiple of QueueAlignment.
func AlignUp(n uint32) uint32 {
	return (n + QueueAlignment - 1) &^ (QueueAlignment - 1)
}

// PayloadDescSize is the size of PayloadDesc on the wire.
const PayloadDescSize = 8

// PayloadDesc locates a payload staged outside of the command itself. For
// DMEM queues Offset is a DMEM address; for surface queues it is relative to
// the start of the queue element.
type PayloadDesc struct {
	Offset uint32
	Size   uint32
}

// MarshalBytes serializes d into dst.
func (d *PayloadDesc) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], d.Offset)
	ByteOrder.PutUint32(dst[4:], d.Size)
}

// UnmarshalBytes deserializes d from src.
func (d *PayloadDesc) UnmarshalBytes(src []byte) {
	d.Offset = ByteOrder.Uint32(src[0:])
	d.Size = ByteOrder.Uint32(src[4:])
}

// CmdPrefixSize is the number of bytes every command body starts with: the
// input and output payload descriptors, in that order.
const CmdPrefixSize = 2 * PayloadDescSize
