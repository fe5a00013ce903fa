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

// Package quantity parses Kubernetes capacity quantity strings (e.g. "10Gi",
// "500M") to an integer byte count, with configurable rounding.
package quantity

import (
	"fmt"
	"math/big"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Rounding selects how a quantity's fractional byte value is rounded to an
// integer.
type Rounding int

const (
	// RoundHalfEven is the default rounding mode (banker's rounding).
	RoundHalfEven Rounding = iota
	// RoundFloor always rounds toward negative infinity; used for minimum
	// capacity bounds so a generous operator-specified minimum never
	// silently grows.
	RoundFloor
	// RoundCeiling always rounds toward positive infinity; used for
	// maximum capacity bounds so a generous operator-specified maximum
	// never silently shrinks.
	RoundCeiling
)

// ParseAndRound parses s as a Kubernetes capacity quantity and rounds it to
// an integer number of bytes using mode.
func ParseAndRound(s string, mode Rounding) (int64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("quantity: invalid quantity %q: %w", s, err)
	}
	return roundQuantity(q, mode)
}

func roundQuantity(q resource.Quantity, mode Rounding) (int64, error) {
	dec := q.AsDec()
	unscaled := dec.UnscaledBig()
	scale := int64(dec.Scale())

	num := new(big.Rat).SetInt(unscaled)
	if scale > 0 {
		denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(scale), nil)
		num.Quo(num, new(big.Rat).SetInt(denom))
	} else if scale < 0 {
		mult := new(big.Int).Exp(big.NewInt(10), big.NewInt(-scale), nil)
		num.Mul(num, new(big.Rat).SetInt(mult))
	}

	return roundRat(num, mode)
}

func roundRat(r *big.Rat, mode Rounding) (int64, error) {
	if r.IsInt() {
		return r.Num().Int64(), nil
	}

	floor := new(big.Int).Quo(r.Num(), r.Denom())
	if r.Sign() < 0 {
		// big.Int.Div truncates toward zero for this combination; correct
		// to floor (toward negative infinity) for negative non-integers.
		floor.Sub(floor, big.NewInt(1))
	}
	ceil := new(big.Int).Add(floor, big.NewInt(1))

	switch mode {
	case RoundFloor:
		return floor.Int64(), nil
	case RoundCeiling:
		return ceil.Int64(), nil
	default: // RoundHalfEven
		frac := new(big.Rat).Sub(r, new(big.Rat).SetInt(floor))
		half := big.NewRat(1, 2)
		switch frac.Cmp(half) {
		case -1:
			return floor.Int64(), nil
		case 1:
			return ceil.Int64(), nil
		default:
			if floor.Bit(0) == 0 {
				return floor.Int64(), nil
			}
			return ceil.Int64(), nil
		}
	}
}

// ParsePositive is ParseAndRound but additionally rejects zero and negative
// results, matching the original's minimum/maximum capacity validation
// (a requested capacity of zero or less is never meaningful).
func ParsePositive(s string, mode Rounding) (int64, error) {
	v, err := ParseAndRound(s, mode)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("quantity: %q must be a positive quantity, got %d bytes", s, v)
	}
	return v, nil
}
