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

import "fmt"

// RPCHeaderSize is the size of RPCHeader on the wire.
const RPCHeaderSize = 8

// FlcnStatusOK is the only successful falcon status.
const FlcnStatusOK uint32 = 0

// RPCHeader is the envelope at the start of every RPC payload.
type RPCHeader struct {
	UnitID     UnitID
	Function   uint16
	FlcnStatus uint32
}

// String implements fmt.Stringer.
func (r RPCHeader) String() string {
	return fmt.Sprintf("{unit=%v function=%d status=%#x}", r.UnitID, r.Function, r.FlcnStatus)
}

// MarshalBytes serializes r into dst.
func (r *RPCHeader) MarshalBytes(dst []byte) {
	ByteOrder.PutUint16(dst[0:], uint16(r.UnitID))
	ByteOrder.PutUint16(dst[2:], r.Function)
	ByteOrder.PutUint32(dst[4:], r.FlcnStatus)
}

// UnmarshalBytes deserializes r from src.
func (r *RPCHeader) UnmarshalBytes(src []byte) {
	r.UnitID = UnitID(ByteOrder.Uint16(src[0:]))
	r.Function = ByteOrder.Uint16(src[2:])
	r.FlcnStatus = ByteOrder.Uint32(src[4:])
}

// ACR RPC functions.
const (
	ACRInitWPRRegion      uint16 = 0x00
	ACRBootstrapFalcon    uint16 = 0x01
	ACRBootstrapGRFalcons uint16 = 0x02
)

// ACRInitWPRRegionParamsSize is the size of ACRInitWPRRegionParams.
const ACRInitWPRRegionParamsSize = 8

// ACRInitWPRRegionParams follows the RPC header of ACRInitWPRRegion.
type ACRInitWPRRegionParams struct {
	RegionID  uint32
	WPROffset uint32
}

// MarshalBytes serializes p into dst.
func (p *ACRInitWPRRegionParams) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], p.RegionID)
	ByteOrder.PutUint32(dst[4:], p.WPROffset)
}

// UnmarshalBytes deserializes p from src.
func (p *ACRInitWPRRegionParams) UnmarshalBytes(src []byte) {
	p.RegionID = ByteOrder.Uint32(src[0:])
	p.WPROffset = ByteOrder.Uint32(src[4:])
}

// ACRBootstrapFalconParamsSize is the size of ACRBootstrapFalconParams.
const ACRBootstrapFalconParamsSize = 8

// ACRBootstrapFalconParams follows the RPC header of ACRBootstrapFalcon. The
// firmware echoes FalconID back in the response.
type ACRBootstrapFalconParams struct {
	FalconID uint32
	Flags    uint32
}

// MarshalBytes serializes p into dst.
func (p *ACRBootstrapFalconParams) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], p.FalconID)
	ByteOrder.PutUint32(dst[4:], p.Flags)
}

// UnmarshalBytes deserializes p from src.
func (p *ACRBootstrapFalconParams) UnmarshalBytes(src []byte) {
	p.FalconID = ByteOrder.Uint32(src[0:])
	p.Flags = ByteOrder.Uint32(src[4:])
}

// ACRBootstrapGRFalconsParamsSize is the size of ACRBootstrapGRFalconsParams.
const ACRBootstrapGRFalconsParamsSize = 16

// ACRBootstrapGRFalconsParams follows the RPC header of
// ACRBootstrapGRFalcons. The firmware echoes FalconMask back in the response.
type ACRBootstrapGRFalconsParams struct {
	FalconMask uint32
	Flags      uint32
	WPRBase    uint64
}

// MarshalBytes serializes p into dst.
func (p *ACRBootstrapGRFalconsParams) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], p.FalconMask)
	ByteOrder.PutUint32(dst[4:], p.Flags)
	ByteOrder.PutUint64(dst[8:], p.WPRBase)
}

// UnmarshalBytes deserializes p from src.
func (p *ACRBootstrapGRFalconsParams) UnmarshalBytes(src []byte) {
	p.FalconMask = ByteOrder.Uint32(src[0:])
	p.Flags = ByteOrder.Uint32(src[4:])
	p.WPRBase = ByteOrder.Uint64(src[8:])
}

// Flags for ACRBootstrapFalconParams.Flags.
const (
	ACRBootstrapFlagReset uint32 = 1 << 0
)

// FalconID identifies a falcon microcontroller.
type FalconID uint32

// Falcon identifiers.
const (
	FalconPMU     FalconID = 0
	FalconGSPLite FalconID = 1
	FalconFECS    FalconID = 2
	FalconGPCCS   FalconID = 3
	FalconNVDEC   FalconID = 4
	FalconSEC2    FalconID = 7
)

// String implements fmt.Stringer.
func (f FalconID) String() string {
	switch f {
	case FalconPMU:
		return "pmu"
	case FalconGSPLite:
		return "gsplite"
	case FalconFECS:
		return "fecs"
	case FalconGPCCS:
		return "gpccs"
	case FalconNVDEC:
		return "nvdec"
	case FalconSEC2:
		return "sec2"
	default:
		return fmt.Sprintf("falcon(%d)", uint32(f))
	}
}

// Bit returns f's bit in a falcon mask.
func (f FalconID) Bit() uint32 {
	return 1 << uint32(f)
}
