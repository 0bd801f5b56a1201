package recommend

import "slices"

const (
	lcgMul = 9301
	lcgInc = 49297
	lcgMod = 233280
)

// Shuffle returns a permutation of items that depends only on seed.
// It runs a backward Fisher-Yates pass driven by a small linear congruential generator.
func Shuffle[T any](items []T, seed int64) []T {
	out := slices.Clone(items)

	state := seed % lcgMod
	if state < 0 {
		state += lcgMod
	}
	next := func() float64 {
		state = (state*lcgMul + lcgInc) % lcgMod
		return float64(state) / lcgMod
	}

	for i := len(out) - 1; i > 0; i-- {
		j := int(next() * float64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}
