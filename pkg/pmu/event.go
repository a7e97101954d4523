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

// EventHandler handles unsolicited messages from one unit. It is called
// from the dispatch context; an error stops the current drain and is
// returned by ProcessMessages.
type EventHandler interface {
	HandleEvent(msg *Message) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(msg *Message) error

// HandleEvent implements EventHandler.HandleEvent.
func (f EventHandlerFunc) HandleEvent(msg *Message) error {
	return f(msg)
}

// EventUnitAllowed returns true if the firmware may send events from unit.
func EventUnitAllowed(unit abi.UnitID) bool {
	switch unit {
	case abi.UnitPG, abi.UnitPerfmon, abi.UnitTherm, abi.UnitACR:
		return true
	default:
		return false
	}
}

// handleEvent routes an event to its unit's handler. Events nobody handles
// are logged and dropped.
func (p *PMU) handleEvent(msg *Message) error {
	if msg.Hdr.CtrlFlags&abi.CtrlRPCEvent != 0 {
		return p.handleRPCEvent(msg)
	}
	h := p.eventHandler(msg.Hdr.UnitID)
	if h == nil {
		p.eventsLog.WithField("unit", msg.Hdr.UnitID).Warningf("ignoring event %v: no handler", msg.Hdr)
		return nil
	}
	if err := h.HandleEvent(msg); err != nil {
		return fmt.Errorf("handling %v event: %w", msg.Hdr.UnitID, err)
	}
	return nil
}
