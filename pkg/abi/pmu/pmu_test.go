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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderLayout(t *testing.T) {
	h := Header{
		UnitID:    UnitACR,
		Size:      0x0120,
		CtrlFlags: CtrlRPCEvent,
		SeqID:     3,
	}
	buf := make([]byte, HeaderSize)
	h.MarshalBytes(buf)
	want := []byte{0x0a, 0x00, 0x20, 0x01, 0x02, 0x03, 0x00, 0x00}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("header bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestRPCHeaderLayout(t *testing.T) {
	buf := []byte{0x0a, 0x00, 0x02, 0x00, 0x01, 0x00, 0x00, 0x80}
	var r RPCHeader
	r.UnmarshalBytes(buf)
	want := RPCHeader{UnitID: UnitACR, Function: ACRBootstrapGRFalcons, FlcnStatus: 0x80000001}
	if r != want {
		t.Errorf("got %v, want %v", r, want)
	}
}

func TestInitMsgSize(t *testing.T) {
	// The firmware's struct is packed; a change here breaks every
	// deployed image.
	if InitMsgSize != 28 {
		t.Errorf("InitMsgSize = %d, want 28", InitMsgSize)
	}
}

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct {
		in, want uint32
	}{
		{0, 0},
		{1, 4},
		{4, 4},
		{13, 16},
	} {
		if got := AlignUp(tc.in); got != tc.want {
			t.Errorf("AlignUp(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestIsEvent(t *testing.T) {
	for _, tc := range []struct {
		flags uint8
		want  bool
	}{
		{0, false},
		{CtrlCmdRPC, false},
		{CtrlEvent, true},
		{CtrlRPCEvent, true},
	} {
		h := Header{CtrlFlags: tc.flags}
		if got := h.IsEvent(); got != tc.want {
			t.Errorf("Header{CtrlFlags: %#x}.IsEvent() = %v, want %v", tc.flags, got, tc.want)
		}
	}
}
