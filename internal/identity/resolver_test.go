// Copyright (c) 2026 John Earle
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

package identity

import "testing"

// TestNormalize verifies trimming, case folding, and whitespace collapsing.
func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"John Smith", "john smith"},
		{"  John   Smith  ", "john smith"},
		{"JOHN SMITH", "john smith"},
		{"john\tsmith", "john smith"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestMatch verifies the identity comparison used by the NameMismatch check.
func TestMatch(t *testing.T) {
	tests := []struct {
		typed string
		owner string
		want  bool
	}{
		{"John Smith", "John Smith", true},
		{"john smith", "John Smith", true},
		{"  John   Smith ", "John Smith", true},
		{"Jon Smith", "John Smith", false},
		{"John", "John Smith", false},
		{"", "John Smith", false},
		{"   ", "", false},
	}

	for _, tt := range tests {
		if got := Match(tt.typed, tt.owner); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.typed, tt.owner, got, tt.want)
		}
	}
}
