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

// Package lsfm implements the light secure falcon manager bootstrap
// protocol: it asks the PMU's ACR unit to set up the write-protected region
// (WPR) and to boot other falcons from it.
//
// Every operation blocks on a bounded poll of a latch that is set by the
// ACR RPC handler in the PMU's dispatch context, so ProcessMessages must
// keep running while an operation is in progress.
package lsfm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	abi "gvisor.dev/nvpmu/pkg/abi/pmu"
	"gvisor.dev/nvpmu/pkg/pmu"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
	"gvisor.dev/nvpmu/pkg/poll"
)

var (
	// ErrInvalidFalconMask is returned for empty falcon masks and masks
	// naming falcons LSFM cannot bootstrap.
	ErrInvalidFalconMask = errors.New("invalid falcon mask")

	// ErrNotReadyToLoad is returned when the WPR region was not
	// initialized in time.
	ErrNotReadyToLoad = errors.New("PMU not ready to load secure firmware")
)

// KnownFalcons is the mask of falcons LSFM can bootstrap.
var KnownFalcons = abi.FalconFECS.Bit() | abi.FalconGPCCS.Bit()

// bootstrapOrder is the order falcons are bootstrapped in one at a time.
var bootstrapOrder = []abi.FalconID{abi.FalconFECS, abi.FalconGPCCS}

// State is the progress of the protocol.
type State int32

// States, in order.
const (
	Disabled State = iota
	Uninitialized
	RegionInitRequested
	RegionInitDone
	BootstrapRequested
	BootstrapComplete
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Uninitialized:
		return "Uninitialized"
	case RegionInitRequested:
		return "RegionInitRequested"
	case RegionInitDone:
		return "RegionInitDone"
	case BootstrapRequested:
		return "BootstrapRequested"
	case BootstrapComplete:
		return "BootstrapComplete"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the RPC layer LSFM runs on. *pmu.PMU implements it.
type Transport interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	PostRPC(unit abi.UnitID, function uint16, params []byte, opts *pmu.RPCOptions) (*pmu.RPC, error)
	RegisterRPCHandler(unit abi.UnitID, h pmu.RPCHandler)
}

// Options configures an LSFM.
type Options struct {
	// Config and Transport are required.
	Config    *pmuconf.Config
	Transport Transport

	// Logger defaults to the standard logger.
	Logger *logrus.Entry

	// Clock is used for the settle delay and every bounded wait. Defaults
	// to poll.RealClock.
	Clock poll.Clock
}

// LSFM drives the bootstrap protocol for one PMU.
type LSFM struct {
	t        Transport
	lsfm     pmuconf.LSFM
	timeouts pmuconf.Timeouts
	clock    poll.Clock
	log      *logrus.Entry

	// strategy is nil when LSFM is disabled. Immutable.
	strategy strategy

	// mu serializes operations.
	mu sync.Mutex

	state atomic.Int32

	// The latches below are set by HandleRPC in the dispatch context and
	// cleared by Reset.
	wprInit      atomic.Bool
	bootstrapped atomic.Bool

	// acked is the mask of falcons the firmware reported bootstrapped.
	acked atomic.Uint32

	// pending is the mask of falcons requested so far. Only written with
	// mu held.
	pending atomic.Uint32
}

// New returns an LSFM using the bootstrap strategy of the configured
// firmware version, and registers it as the ACR RPC handler.
func New(opts Options) (*LSFM, error) {
	if opts.Config == nil || opts.Transport == nil {
		return nil, fmt.Errorf("configuration and transport are required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	clock := opts.Clock
	if clock == nil {
		clock = poll.RealClock
	}
	l := &LSFM{
		t:        opts.Transport,
		lsfm:     opts.Config.LSFM,
		timeouts: opts.Config.Timeouts,
		clock:    clock,
		log:      log.WithField("subsys", "lsfm"),
	}
	if !l.lsfm.Enabled {
		l.state.Store(int32(Disabled))
		return l, nil
	}
	table, err := buildStrategyTable(opts.Config.FirmwareVersion)
	if err != nil {
		return nil, err
	}
	l.strategy, err = table.resolve(l.lsfm.Mode)
	if err != nil {
		return nil, fmt.Errorf("firmware %s: %w", opts.Config.FirmwareVersion, err)
	}
	l.state.Store(int32(Uninitialized))
	l.t.RegisterRPCHandler(abi.UnitACR, l)
	l.log.Infof("using %q bootstrap for firmware %s", l.strategy.mode(), opts.Config.FirmwareVersion)
	return l, nil
}

// State returns the protocol's current state.
func (l *LSFM) State() State {
	return State(l.state.Load())
}

// Mode returns the bootstrap mode in use, or "" if LSFM is disabled.
func (l *LSFM) Mode() string {
	if l.strategy == nil {
		return ""
	}
	return l.strategy.mode()
}

// RegionInitialized returns the "WPR region initialized" latch.
func (l *LSFM) RegionInitialized() bool {
	return l.wprInit.Load()
}

// BootstrapCompleted returns the "falcon bootstrap completed" latch.
func (l *LSFM) BootstrapCompleted() bool {
	return l.bootstrapped.Load()
}

// Bootstrapped returns the mask of falcons the firmware reported
// bootstrapped.
func (l *LSFM) Bootstrapped() uint32 {
	return l.acked.Load()
}

// DefaultFalcons returns the mask of the falcons named in the
// configuration.
func (l *LSFM) DefaultFalcons() (uint32, error) {
	return pmuconf.ParseFalcons(l.lsfm.Falcons)
}

// EnsureRegionInitialized initializes the WPR region unless that was
// already done. It waits for the PMU to be ready, sends the
// ACR_INIT_WPR_REGION RPC and waits for the ACR unit to acknowledge it.
func (l *LSFM) EnsureRegionInitialized(ctx context.Context) error {
	if l.strategy == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureRegionInitializedLocked(ctx)
}

// Preconditions: l.mu is locked.
func (l *LSFM) ensureRegionInitializedLocked(ctx context.Context) error {
	if l.wprInit.Load() {
		l.advance(RegionInitDone)
		return nil
	}
	if err := l.t.WaitReady(ctx, time.Duration(l.timeouts.Ready)); err != nil {
		return fmt.Errorf("waiting for PMU: %w", err)
	}
	params := abi.ACRInitWPRRegionParams{RegionID: 1}
	buf := make([]byte, abi.ACRInitWPRRegionParamsSize)
	params.MarshalBytes(buf)
	rpc, err := l.t.PostRPC(abi.UnitACR, abi.ACRInitWPRRegion, buf, nil)
	if err != nil {
		return fmt.Errorf("requesting WPR region init: %w", err)
	}
	l.advance(RegionInitRequested)
	if err := l.wait(ctx, "WPR region init", time.Duration(l.timeouts.RegionInit), rpc, l.wprInit.Load); err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrNotReadyToLoad, err)
		}
		return fmt.Errorf("initializing WPR region: %w", err)
	}
	l.advance(RegionInitDone)
	return nil
}

// Bootstrap boots the falcons in mask from the WPR region, initializing the
// region first if needed. Falcons already bootstrapped are skipped. The
// first failure aborts the remaining RPCs.
func (l *LSFM) Bootstrap(ctx context.Context, mask uint32) error {
	if l.strategy == nil {
		return nil
	}
	if mask == 0 || mask&^KnownFalcons != 0 {
		return fmt.Errorf("%w: %#x, known falcons are %#x", ErrInvalidFalconMask, mask, KnownFalcons)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureRegionInitializedLocked(ctx); err != nil {
		return err
	}
	want := mask &^ l.acked.Load()
	if want == 0 {
		return nil
	}
	l.pending.Store(l.pending.Load() | want)
	l.advance(BootstrapRequested)
	if err := l.strategy.bootstrap(ctx, l, want); err != nil {
		return err
	}
	l.advance(BootstrapComplete)
	return nil
}

// Reset clears both latches and returns to Uninitialized. It is called when
// the PMU is re-initialized.
func (l *LSFM) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wprInit.Store(false)
	l.bootstrapped.Store(false)
	l.acked.Store(0)
	l.pending.Store(0)
	if l.strategy != nil {
		l.state.Store(int32(Uninitialized))
	}
}

// HandleRPC implements pmu.RPCHandler.HandleRPC for the ACR unit. It only
// sees successful RPCs.
func (l *LSFM) HandleRPC(hdr abi.RPCHeader, params []byte) {
	switch hdr.Function {
	case abi.ACRInitWPRRegion:
		if l.wprInit.CompareAndSwap(false, true) {
			l.log.Info("WPR region initialized")
		}
	case abi.ACRBootstrapFalcon:
		if len(params) < abi.ACRBootstrapFalconParamsSize {
			l.log.Warningf("short ACR_BOOTSTRAP_FALCON response: %d bytes", len(params))
			return
		}
		var p abi.ACRBootstrapFalconParams
		p.UnmarshalBytes(params)
		l.ack(abi.FalconID(p.FalconID).Bit())
	case abi.ACRBootstrapGRFalcons:
		if len(params) < abi.ACRBootstrapGRFalconsParamsSize {
			l.log.Warningf("short ACR_BOOTSTRAP_GR_FALCONS response: %d bytes", len(params))
			return
		}
		var p abi.ACRBootstrapGRFalconsParams
		p.UnmarshalBytes(params)
		l.ack(p.FalconMask)
	default:
		l.log.Debugf("ignoring ACR function %d", hdr.Function)
	}
}

// ack records bootstrapped falcons and sets the bootstrap latch once every
// requested falcon has been reported.
func (l *LSFM) ack(mask uint32) {
	for {
		old := l.acked.Load()
		if l.acked.CompareAndSwap(old, old|mask) {
			break
		}
	}
	l.log.WithField("falcons", fmt.Sprintf("%#x", mask)).Info("falcons bootstrapped")
	pending := l.pending.Load()
	if pending != 0 && l.acked.Load()&pending == pending {
		l.bootstrapped.CompareAndSwap(false, true)
	}
}

// advance moves the state forward to s. It never moves backwards.
func (l *LSFM) advance(s State) {
	for {
		old := l.state.Load()
		if old >= int32(s) || l.state.CompareAndSwap(old, int32(s)) {
			return
		}
	}
}

// wait polls cond. It fails early if rpc completes with an error.
func (l *LSFM) wait(ctx context.Context, op string, timeout time.Duration, rpc *pmu.RPC, cond func() bool) error {
	return poll.Until(ctx, op, poll.Options{Timeout: timeout, Clock: l.clock}, func() (bool, error) {
		if cond() {
			return true, nil
		}
		if rpc.Done() {
			if err := rpc.Err(); err != nil {
				return false, err
			}
		}
		return false, nil
	})
}

// send issues one bootstrap RPC and waits until every falcon in want has
// been reported bootstrapped.
func (l *LSFM) send(ctx context.Context, function uint16, params []byte, want uint32) error {
	rpc, err := l.t.PostRPC(abi.UnitACR, function, params, nil)
	if err != nil {
		return fmt.Errorf("requesting bootstrap of falcons %#x: %w", want, err)
	}
	// The firmware needs time that no status bit reflects.
	l.clock.Sleep(time.Duration(l.timeouts.SettleDelay))
	op := fmt.Sprintf("bootstrap of falcons %#x", want)
	if err := l.wait(ctx, op, time.Duration(l.timeouts.Bootstrap), rpc, func() bool {
		return l.acked.Load()&want == want
	}); err != nil {
		return fmt.Errorf("bootstrapping falcons %#x: %w", want, err)
	}
	return nil
}

// strategy issues the RPCs that bootstrap a set of falcons.
type strategy interface {
	mode() string
	bootstrap(ctx context.Context, l *LSFM, mask uint32) error
}

// allStrategy bootstraps every falcon with one ACR_BOOTSTRAP_GR_FALCONS
// RPC.
type allStrategy struct{}

func (allStrategy) mode() string { return pmuconf.ModeAll }

func (allStrategy) bootstrap(ctx context.Context, l *LSFM, mask uint32) error {
	p := abi.ACRBootstrapGRFalconsParams{
		FalconMask: mask,
		Flags:      abi.ACRBootstrapFlagReset,
		WPRBase:    l.lsfm.WPRBase,
	}
	buf := make([]byte, abi.ACRBootstrapGRFalconsParamsSize)
	p.MarshalBytes(buf)
	return l.send(ctx, abi.ACRBootstrapGRFalcons, buf, mask)
}

// eachStrategy sends one ACR_BOOTSTRAP_FALCON RPC per falcon, waiting for
// each before sending the next.
type eachStrategy struct{}

func (eachStrategy) mode() string { return pmuconf.ModeEach }

func (eachStrategy) bootstrap(ctx context.Context, l *LSFM, mask uint32) error {
	for _, id := range bootstrapOrder {
		if mask&id.Bit() == 0 {
			continue
		}
		p := abi.ACRBootstrapFalconParams{
			FalconID: uint32(id),
			Flags:    abi.ACRBootstrapFlagReset,
		}
		buf := make([]byte, abi.ACRBootstrapFalconParamsSize)
		p.MarshalBytes(buf)
		if err := l.send(ctx, abi.ACRBootstrapFalcon, buf, id.Bit()); err != nil {
			return fmt.Errorf("falcon %v: %w", id, err)
		}
	}
	return nil
}
