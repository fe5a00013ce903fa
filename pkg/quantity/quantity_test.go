/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package quantity

import "testing"

func TestParseAndRoundExact(t *testing.T) {
	cases := map[string]int64{
		"10Gi": 10737418240,
		"1Ki":  1024,
		"0":    0,
		"1Mi":  1048576,
	}
	for s, want := range cases {
		got, err := ParseAndRound(s, RoundHalfEven)
		if err != nil {
			t.Fatalf("ParseAndRound(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseAndRound(%q) = %d, want %d", s, got, want)
		}
	}
}

func TestParseAndRoundModes(t *testing.T) {
	// 1.5 bytes rounds down under floor, up under ceiling, and to even
	// (2) under half-even.
	const s = "1.5"

	floor, err := ParseAndRound(s, RoundFloor)
	if err != nil {
		t.Fatal(err)
	}
	if floor != 1 {
		t.Errorf("floor(1.5) = %d, want 1", floor)
	}

	ceil, err := ParseAndRound(s, RoundCeiling)
	if err != nil {
		t.Fatal(err)
	}
	if ceil != 2 {
		t.Errorf("ceil(1.5) = %d, want 2", ceil)
	}

	halfEven, err := ParseAndRound(s, RoundHalfEven)
	if err != nil {
		t.Fatal(err)
	}
	if halfEven != 2 {
		t.Errorf("halfEven(1.5) = %d, want 2", halfEven)
	}
}

func TestParsePositiveRejectsNonPositive(t *testing.T) {
	if _, err := ParsePositive("0", RoundFloor); err == nil {
		t.Error("expected error for zero capacity")
	}
	if _, err := ParsePositive("-1", RoundFloor); err == nil {
		t.Error("expected error for negative capacity")
	}
}

func TestParseAndRoundInvalid(t *testing.T) {
	if _, err := ParseAndRound("not-a-quantity", RoundHalfEven); err == nil {
		t.Error("expected error for invalid quantity")
	}
}
