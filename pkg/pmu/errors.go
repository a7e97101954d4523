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

// Transport errors.
var (
	// ErrQueueEmpty is returned when reading from a queue with nothing in it.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrQueueFull is returned when a command does not fit in the command
	// queue. The caller may retry once responses have been drained.
	ErrQueueFull = errors.New("queue is full")

	// ErrRewindLoop is returned when a REWIND header is found right after a
	// rewind.
	ErrRewindLoop = errors.New("REWIND header read twice in a row")

	// ErrBadHeader is returned for headers that cannot be valid.
	ErrBadHeader = errors.New("invalid message header")

	// ErrMessageTooLarge is returned when a command or its payloads exceed
	// what the queue can carry.
	ErrMessageTooLarge = errors.New("message too large for queue")
)

// Correlation errors.
var (
	// ErrUnknownSequence is wrapped by *SequenceError.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrNoSequence is returned when every sequence slot is in use.
	ErrNoSequence = errors.New("no free sequence")

	// ErrNoDMEM is returned when the DMEM allocator cannot satisfy a request.
	ErrNoDMEM = errors.New("out of DMEM")

	// ErrPayloadSize is wrapped by *PayloadSizeError.
	ErrPayloadSize = errors.New("mismatched payload size")
)

// Protocol errors.
var (
	// ErrNotReady is returned by operations that need the init message to
	// have been processed.
	ErrNotReady = errors.New("PMU is not ready")

	// ErrInit is wrapped by *InitError.
	ErrInit = errors.New("PMU initialization failed")

	// ErrRPCStatus is wrapped by *RPCStatusError.
	ErrRPCStatus = errors.New("RPC failed")
)

// QueueID identifies one of the PMU's queues.
type QueueID int

const (
	// CommandQueue carries commands from the host to the PMU.
	CommandQueue QueueID = iota

	// MessageQueue carries responses and events from the PMU to the host.
	MessageQueue
)

// String implements fmt.Stringer.
func (id QueueID) String() string {
	switch id {
	case CommandQueue:
		return "command"
	case MessageQueue:
		return "message"
	default:
		return fmt.Sprintf("queue(%d)", int(id))
	}
}

// ShortReadError is returned when a copy primitive transfers fewer bytes
// than requested. It is never treated as a partial read.
type ShortReadError struct {
	Queue  QueueID
	Offset uint32
	Want   int
	Got    int
}

// Error implements error.Error.
func (e *ShortReadError) Error() string {
	return fmt.Sprintf("%v queue: short copy at %#x: got %d bytes, want %d", e.Queue, e.Offset, e.Got, e.Want)
}

// SequenceError is returned for responses whose sequence id does not name
// an outstanding command.
type SequenceError struct {
	ID uint8
}

// Error implements error.Error.
func (e *SequenceError) Error() string {
	return fmt.Sprintf("unknown sequence %d", e.ID)
}

// Unwrap allows errors.Is(err, ErrUnknownSequence).
func (e *SequenceError) Unwrap() error {
	return ErrUnknownSequence
}

// PayloadSizeError is returned when a response carries more data than the
// caller provided room for.
type PayloadSizeError struct {
	SeqID uint8
	Want  int
	Got   int
}

// Error implements error.Error.
func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("sequence %d: response carries %d bytes, buffer holds %d", e.SeqID, e.Got, e.Want)
}

// Unwrap allows errors.Is(err, ErrPayloadSize).
func (e *PayloadSizeError) Unwrap() error {
	return ErrPayloadSize
}

// InitError is returned when the init message is malformed.
type InitError struct {
	Reason string
}

// Error implements error.Error.
func (e *InitError) Error() string {
	return fmt.Sprintf("PMU initialization failed: %s", e.Reason)
}

// Unwrap allows errors.Is(err, ErrInit).
func (e *InitError) Unwrap() error {
	return ErrInit
}

// RPCStatusError is returned for RPCs completed with a non-zero falcon
// status.
type RPCStatusError struct {
	Unit     abi.UnitID
	Function uint16
	Status   uint32
}

// Error implements error.Error.
func (e *RPCStatusError) Error() string {
	return fmt.Sprintf("RPC unit %v function %d failed with status %#x", e.Unit, e.Function, e.Status)
}

// Unwrap allows errors.Is(err, ErrRPCStatus).
func (e *RPCStatusError) Unwrap() error {
	return ErrRPCStatus
}
