// Package numeric provides small generic arithmetic helpers shared by the
// page remap and truncation calculations.
package numeric

import "golang.org/x/exp/constraints"

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// CeilDiv returns n divided by d, rounded up. d must be positive.
func CeilDiv[T constraints.Integer](n, d T) T {
	return (n + d - 1) / d
}
