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

package lsfm

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
)

// strategyTable holds the bootstrap strategies a firmware version
// understands, by mode, and the one it prefers.
type strategyTable struct {
	strategies map[string]strategy
	preferred  string
}

// buildStrategyTable builds a strategyTable for a given firmware version.
func buildStrategyTable(versionStr string) (strategyTable, error) {
	version, err := pmuconf.ParseVersion(versionStr)
	if err != nil {
		return strategyTable{}, err
	}
	if version.Compare(baseVersion) < 0 {
		return strategyTable{}, fmt.Errorf("firmware %s is unsupported; minimum supported version is %s", version, baseVersion)
	}

	var res strategyTable
	for _, cur := range versioningTable {
		if cur.version.Compare(version) > 0 {
			break
		}
		res.apply(cur.table)
	}
	return res, nil
}

func (t *strategyTable) apply(diff strategyTable) {
	if diff.strategies != nil {
		if t.strategies == nil {
			t.strategies = make(map[string]strategy)
		}
		for k, v := range diff.strategies {
			if v == nil {
				delete(t.strategies, k)
			} else {
				t.strategies[k] = v
			}
		}
	}
	if diff.preferred != "" {
		t.preferred = diff.preferred
	}
}

// resolve returns the strategy for mode, or the preferred one for
// pmuconf.ModeAuto.
func (t *strategyTable) resolve(mode string) (strategy, error) {
	if mode == pmuconf.ModeAuto {
		mode = t.preferred
	}
	s, ok := t.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("bootstrap mode %q not supported by firmware; supported: %s", mode, strings.Join(t.modes(), ", "))
	}
	return s, nil
}

func (t *strategyTable) modes() []string {
	modes := make([]string, 0, len(t.strategies))
	for m := range t.strategies {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// versionDiff represents the changes made in a given firmware version,
// compared to the previous entry. A nil strategy removes a mode the
// firmware no longer accepts; an empty preferred mode keeps the previous
// one.
type versionDiff struct {
	version pmuconf.Version
	table   strategyTable
}

// versioningTable is a sparse version table which stitches the diffs
// together (with strictly increasing firmware versions).
var versioningTable = []versionDiff{
	baseVersionDiff,
	diffV2_0_0,
	diffV3_1_0,
}

// The base version is the earliest firmware with an ACR unit.
var baseVersion = pmuconf.Version{Major: 1}

// The first ACR firmware only bootstraps one falcon per RPC.
var baseVersionDiff = versionDiff{
	version: baseVersion,
	table: strategyTable{
		strategies: map[string]strategy{
			pmuconf.ModeEach: eachStrategy{},
		},
		preferred: pmuconf.ModeEach,
	},
}

// ACR_BOOTSTRAP_GR_FALCONS was added in 2.0.0.
var diffV2_0_0 = versionDiff{
	version: pmuconf.Version{Major: 2},
	table: strategyTable{
		strategies: map[string]strategy{
			pmuconf.ModeAll: allStrategy{},
		},
		preferred: pmuconf.ModeAll,
	},
}

// ACR_BOOTSTRAP_FALCON was retired in 3.1.0.
var diffV3_1_0 = versionDiff{
	version: pmuconf.Version{Major: 3, Minor: 1},
	table: strategyTable{
		strategies: map[string]strategy{
			pmuconf.ModeEach: nil,
		},
	},
}
