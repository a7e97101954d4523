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

// InitMsgTypePMUInit is the only init message type understood by the host.
const InitMsgTypePMUInit uint8 = 0

// Queue indices used in InitMsg.
const (
	QueueIndexCmd = 0
	QueueIndexMsg = 1
	QueueCount    = 2
)

// QueueInfoSize is the size of QueueInfo on the wire.
const QueueInfoSize = 8

// QueueInfo describes one DMEM queue.
type QueueInfo struct {
	Offset uint32
	Size   uint16
	Index  uint8
}

// InitMsgSize is the size of InitMsg on the wire.
const InitMsgSize = 4 + QueueCount*QueueInfoSize + 8

// InitMsg is the payload of the first message sent by the firmware once it
// has booted.
type InitMsg struct {
	MsgType      uint8
	OSDebugEntry uint16
	Queues       [QueueCount]QueueInfo

	// ManagedAreaOffset and ManagedAreaSize describe the DMEM range the host
	// may allocate command payloads from.
	ManagedAreaOffset uint32
	ManagedAreaSize   uint32
}

// MarshalBytes serializes m into dst.
func (m *InitMsg) MarshalBytes(dst []byte) {
	dst[0] = m.MsgType
	dst[1] = 0
	ByteOrder.PutUint16(dst[2:], m.OSDebugEntry)
	for i := range m.Queues {
		q := dst[4+i*QueueInfoSize:]
		ByteOrder.PutUint32(q[0:], m.Queues[i].Offset)
		ByteOrder.PutUint16(q[4:], m.Queues[i].Size)
		q[6] = m.Queues[i].Index
		q[7] = 0
	}
	rest := dst[4+QueueCount*QueueInfoSize:]
	ByteOrder.PutUint32(rest[0:], m.ManagedAreaOffset)
	ByteOrder.PutUint32(rest[4:], m.ManagedAreaSize)
}

// UnmarshalBytes deserializes m from src.
func (m *InitMsg) UnmarshalBytes(src []byte) {
	m.MsgType = src[0]
	m.OSDebugEntry = ByteOrder.Uint16(src[2:])
	for i := range m.Queues {
		q := src[4+i*QueueInfoSize:]
		m.Queues[i].Offset = ByteOrder.Uint32(q[0:])
		m.Queues[i].Size = ByteOrder.Uint16(q[4:])
		m.Queues[i].Index = q[6]
	}
	rest := src[4+QueueCount*QueueInfoSize:]
	m.ManagedAreaOffset = ByteOrder.Uint32(rest[0:])
	m.ManagedAreaSize = ByteOrder.Uint32(rest[4:])
}
