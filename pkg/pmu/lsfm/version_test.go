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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nvpmu/pkg/pmu/pmuconf"
)

func TestVersionTableSorted(t *testing.T) {
	var prev pmuconf.Version // zero value is correct.
	for i, cur := range versioningTable {
		if cur.version.Compare(prev) <= 0 {
			t.Errorf("version %s at index %d is less than or equal to the previous version %s at index %d", cur.version, i, prev, i-1)
		}
		prev = cur.version
	}
}

func TestVersionTablePreferredExists(t *testing.T) {
	for _, cur := range versioningTable {
		table, err := buildStrategyTable(cur.version.String())
		if err != nil {
			t.Errorf("buildStrategyTable(%s): %v", cur.version, err)
			continue
		}
		if _, ok := table.strategies[table.preferred]; !ok {
			t.Errorf("firmware %s prefers %q, which it does not support (supported: %v)", cur.version, table.preferred, table.modes())
		}
	}
}

func TestStrategyResolution(t *testing.T) {
	for _, tc := range []struct {
		version string
		mode    string
		want    string
		wantErr bool
	}{
		{version: "1.0.0", mode: pmuconf.ModeAuto, want: pmuconf.ModeEach},
		{version: "1.5.2", mode: pmuconf.ModeAuto, want: pmuconf.ModeEach},
		{version: "1.5.2", mode: pmuconf.ModeAll, wantErr: true},
		{version: "2.0.0", mode: pmuconf.ModeAuto, want: pmuconf.ModeAll},
		{version: "2.0.0", mode: pmuconf.ModeEach, want: pmuconf.ModeEach},
		{version: "3.0.9", mode: pmuconf.ModeEach, want: pmuconf.ModeEach},
		{version: "3.1.0", mode: pmuconf.ModeAuto, want: pmuconf.ModeAll},
		{version: "3.1.0", mode: pmuconf.ModeEach, wantErr: true},
		{version: "10.0.0", mode: pmuconf.ModeAll, want: pmuconf.ModeAll},
		{version: "0.9.9", mode: pmuconf.ModeAuto, wantErr: true},
		{version: "2.0", mode: pmuconf.ModeAuto, wantErr: true},
		{version: "x.0.0", mode: pmuconf.ModeAuto, wantErr: true},
		{version: "2.0.0", mode: "some", wantErr: true},
	} {
		t.Run(tc.version+"/"+tc.mode, func(t *testing.T) {
			table, err := buildStrategyTable(tc.version)
			var s strategy
			if err == nil {
				s, err = table.resolve(tc.mode)
			}
			if tc.wantErr {
				if err == nil {
					t.Errorf("resolved mode %q, want error", s.mode())
				}
				return
			}
			if err != nil {
				t.Fatalf("resolving: %v", err)
			}
			if got := s.mode(); got != tc.want {
				t.Errorf("mode = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSupportedModes(t *testing.T) {
	for version, want := range map[string][]string{
		"1.0.0": {pmuconf.ModeEach},
		"2.4.1": {pmuconf.ModeAll, pmuconf.ModeEach},
		"3.1.0": {pmuconf.ModeAll},
	} {
		table, err := buildStrategyTable(version)
		if err != nil {
			t.Fatalf("buildStrategyTable(%s): %v", version, err)
		}
		if diff := cmp.Diff(want, table.modes()); diff != "" {
			t.Errorf("firmware %s modes mismatch (-want +got):\n%s", version, diff)
		}
	}
}
