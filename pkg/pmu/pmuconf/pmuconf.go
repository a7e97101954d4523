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

// Package pmuconf holds the configuration of a PMU instance. It is supplied
// by the firmware-load layer at initialization and never renegotiated.
package pmuconf

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
)

// Backend selects where queue elements live.
type Backend string

const (
	// BackendDMEM keeps queues in the falcon's local memory.
	BackendDMEM Backend = "dmem"

	// BackendSurface keeps queues in a shared surface ("frame-buffer
	// queues").
	BackendSurface Backend = "surface"
)

// Bootstrap modes for LSFM.Mode.
const (
	// ModeAuto picks the mode preferred by the firmware version.
	ModeAuto = ""
	ModeAll  = "all"
	ModeEach = "each"
)

// MaxSequences is the number of distinct sequence ids on the wire.
const MaxSequences = 256

// MaxElementSize is the largest aligned size a message header can describe.
const MaxElementSize = 0xfffc

// Duration is a time.Duration that reads and writes as text ("250ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the configuration of one PMU instance.
type Config struct {
	// FirmwareVersion is the version of the PMU firmware image, e.g. "2.1.0".
	// It selects the LSFM bootstrap strategy.
	FirmwareVersion string `toml:"firmware_version"`

	// Sequences is the size of the sequence table.
	Sequences int `toml:"sequences"`

	Queues   Queues   `toml:"queues"`
	LSFM     LSFM     `toml:"lsfm"`
	Timeouts Timeouts `toml:"timeouts"`
	Log      Log      `toml:"log"`
}

// Queues configures the command and message queues.
type Queues struct {
	Backend Backend `toml:"backend"`

	// Cursor registers. For DMEM queues they hold DMEM offsets, for surface
	// queues element indices.
	CmdHeadReg uint32 `toml:"cmd_head_reg"`
	CmdTailReg uint32 `toml:"cmd_tail_reg"`
	MsgHeadReg uint32 `toml:"msg_head_reg"`
	MsgTailReg uint32 `toml:"msg_tail_reg"`

	// The remaining fields only apply to BackendSurface.
	ElementSize  uint32 `toml:"element_size"`
	ElementCount uint32 `toml:"element_count"`
	CmdOffset    uint32 `toml:"cmd_offset"`
	MsgOffset    uint32 `toml:"msg_offset"`
}

// LSFM configures the secure bootstrap protocol.
type LSFM struct {
	// Enabled is false when the running configuration does not require
	// secure boot; all LSFM operations then succeed without doing anything.
	Enabled bool `toml:"enabled"`

	// Mode is one of ModeAuto, ModeAll or ModeEach.
	Mode string `toml:"mode"`

	// WPRBase is the address of the protected region.
	WPRBase uint64 `toml:"wpr_base"`

	// Falcons lists the falcons bootstrapped by default, by name.
	Falcons []string `toml:"falcons"`
}

// Timeouts bounds every blocking wait.
type Timeouts struct {
	Ready       Duration `toml:"ready"`
	RegionInit  Duration `toml:"region_init"`
	Bootstrap   Duration `toml:"bootstrap"`
	SettleDelay Duration `toml:"settle_delay"`
	RPC         Duration `toml:"rpc"`
}

// Log configures logging.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the default configuration: DMEM queues at the standard
// register offsets and LSFM enabled.
func Default() *Config {
	return &Config{
		FirmwareVersion: "2.0.0",
		Sequences:       MaxSequences,
		Queues: Queues{
			Backend:      BackendDMEM,
			CmdHeadReg:   0x4a0,
			CmdTailReg:   0x4b0,
			MsgHeadReg:   0x4c8,
			MsgTailReg:   0x4cc,
			ElementSize:  256,
			ElementCount: 16,
			CmdOffset:    0,
			MsgOffset:    256 * 16,
		},
		LSFM: LSFM{
			Enabled: true,
			Mode:    ModeAuto,
			Falcons: []string{"fecs", "gpccs"},
		},
		Timeouts: Timeouts{
			Ready:       Duration(2 * time.Second),
			RegionInit:  Duration(2 * time.Second),
			Bootstrap:   Duration(2 * time.Second),
			SettleDelay: Duration(100 * time.Microsecond),
			RPC:         Duration(2 * time.Second),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML configuration from path. Fields missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return c, nil
}

// Decode is like Load, but reads TOML text from data.
func Decode(data string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if _, err := c.Version(); err != nil {
		return err
	}
	if c.Sequences <= 0 || c.Sequences > MaxSequences {
		return fmt.Errorf("sequences must be in [1, %d], got %d", MaxSequences, c.Sequences)
	}
	switch c.Queues.Backend {
	case BackendDMEM:
	case BackendSurface:
		q := &c.Queues
		if q.ElementSize < abi.HeaderSize+abi.CmdPrefixSize || q.ElementSize%abi.QueueAlignment != 0 {
			return fmt.Errorf("surface element size %d must be a multiple of %d and at least %d", q.ElementSize, abi.QueueAlignment, abi.HeaderSize+abi.CmdPrefixSize)
		}
		// Header.Size is 16 bits wide.
		if q.ElementSize > MaxElementSize {
			return fmt.Errorf("surface element size %d exceeds %d", q.ElementSize, MaxElementSize)
		}
		if q.ElementCount < 2 {
			return fmt.Errorf("surface queues need at least 2 elements, got %d", q.ElementCount)
		}
		qsize := q.ElementSize * q.ElementCount
		if q.CmdOffset < q.MsgOffset+qsize && q.MsgOffset < q.CmdOffset+qsize {
			return fmt.Errorf("surface queues overlap: cmd at %#x, msg at %#x, %#x bytes each", q.CmdOffset, q.MsgOffset, qsize)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queues.Backend)
	}
	switch c.LSFM.Mode {
	case ModeAuto, ModeAll, ModeEach:
	default:
		return fmt.Errorf("unknown LSFM mode %q", c.LSFM.Mode)
	}
	if _, err := ParseFalcons(c.LSFM.Falcons); err != nil {
		return err
	}
	for name, d := range map[string]Duration{
		"ready":       c.Timeouts.Ready,
		"region_init": c.Timeouts.RegionInit,
		"bootstrap":   c.Timeouts.Bootstrap,
		"rpc":         c.Timeouts.RPC,
	} {
		if d <= 0 {
			return fmt.Errorf("timeout %q must be positive, got %v", name, time.Duration(d))
		}
	}
	if c.Timeouts.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %v", time.Duration(c.Timeouts.SettleDelay))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SurfaceSize returns the number of surface bytes needed by the queues, or 0
// for DMEM queues.
func (q *Queues) SurfaceSize() int {
	if q.Backend != BackendSurface {
		return 0
	}
	end := q.CmdOffset
	if q.MsgOffset > end {
		end = q.MsgOffset
	}
	return int(end + q.ElementSize*q.ElementCount)
}

var falconNames = map[string]abi.FalconID{
	"fecs":  abi.FalconFECS,
	"gpccs": abi.FalconGPCCS,
}

// ParseFalcons converts falcon names into a falcon mask.
func ParseFalcons(names []string) (uint32, error) {
	var mask uint32
	for _, name := range names {
		id, ok := falconNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown falcon %q", name)
		}
		mask |= id.Bit()
	}
	return mask, nil
}

// Apply configures logger according to l.
func (l *Log) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	switch l.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
