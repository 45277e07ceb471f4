// Copyright 2024 The zVMO Authors.
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

package bitmap

import "testing"

func TestAddRemove(t *testing.T) {
	b := New(200)
	if !b.IsEmpty() || b.Size() != 200 {
		t.Fatalf("fresh bitmap: empty=%t size=%d", b.IsEmpty(), b.Size())
	}
	for _, i := range []uint32{0, 63, 64, 199} {
		b.Add(i)
		if !b.IsSet(i) {
			t.Errorf("bit %d not set after Add", i)
		}
	}
	b.Add(63)
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("ones after duplicate Add: got %d, want 4", got)
	}
	if got := b.Minimum(); got != 0 {
		t.Errorf("Minimum() = %d, want 0", got)
	}
	b.Remove(0)
	b.Remove(0)
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("ones after duplicate Remove: got %d, want 3", got)
	}
	if got := b.Minimum(); got != 63 {
		t.Errorf("Minimum() = %d, want 63", got)
	}
}

func TestFirstZeroFirstOne(t *testing.T) {
	b := New(130)
	for i := uint32(0); i < 128; i++ {
		b.Add(i)
	}
	if got, err := b.FirstZero(0); err != nil || got != 128 {
		t.Errorf("FirstZero(0) = %d, %v; want 128", got, err)
	}
	b.Remove(70)
	if got, err := b.FirstZero(5); err != nil || got != 70 {
		t.Errorf("FirstZero(5) = %d, %v; want 70", got, err)
	}
	if got, err := b.FirstZero(71); err != nil || got != 128 {
		t.Errorf("FirstZero(71) = %d, %v; want 128", got, err)
	}
	if got, err := b.FirstOne(71); err != nil || got != 71 {
		t.Errorf("FirstOne(71) = %d, %v; want 71", got, err)
	}

	empty := New(64)
	if _, err := empty.FirstOne(0); err == nil {
		t.Errorf("FirstOne on empty bitmap did not fail")
	}
	full := New(64)
	for i := uint32(0); i < 64; i++ {
		full.Add(i)
	}
	if _, err := full.FirstZero(0); err == nil {
		t.Errorf("FirstZero on full bitmap did not fail")
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(64)
	b.Add(2)
	b.Add(10)

	for _, tc := range []struct {
		name                 string
		start, length, align uint32
		want                 uint32
		wantErr              bool
	}{
		{"from zero", 0, 2, 1, 0, false},
		{"skips set bit", 0, 4, 1, 3, false},
		{"aligned", 0, 4, 4, 4, false},
		{"aligned over gap", 0, 8, 8, 16, false},
		{"start past conflicts", 11, 53, 1, 11, false},
		{"whole map busy bit", 0, 64, 1, 0, true},
		{"too long", 0, 65, 1, 0, true},
		{"zero length", 0, 0, 1, 0, true},
		{"align not power of two", 0, 2, 3, 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.FirstZeroRun(tc.start, tc.length, tc.align)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("FirstZeroRun(%d, %d, %d) = %d, want error", tc.start, tc.length, tc.align, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("FirstZeroRun(%d, %d, %d) = %d, %v; want %d", tc.start, tc.length, tc.align, got, err, tc.want)
			}
		})
	}
}

func TestClone(t *testing.T) {
	b := New(100)
	b.Add(5)
	c := b.Clone()
	c.Add(6)
	if b.IsSet(6) {
		t.Errorf("mutating a clone changed the original")
	}
	if !c.IsSet(5) || c.GetNumOnes() != 2 {
		t.Errorf("clone lost state: ones=%d", c.GetNumOnes())
	}
}
