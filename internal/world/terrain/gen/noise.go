package gen

import "voxelsync.dev/internal/voxel"

// Heights are computed in 16.16 fixed point so that output is identical on
// every architecture.
const fixedOne = 1 << 16

// smooth is the smoothstep curve 3t²-2t³ over t in [0, fixedOne).
func smooth(t int64) int64 {
	return t * t >> 16 * (3*fixedOne - 2*t) >> 16
}

func lerp(a, b, t int64) int64 {
	return a + (b-a)*t>>16
}

// lattice returns a value in [-fixedOne, fixedOne) for a lattice point.
func lattice(seed int64, gx, gz int) int64 {
	return int64(voxel.Hash2(seed, gx, gz)>>47) - fixedOne
}

// valueNoise samples one octave with a lattice cell of 1<<shift blocks.
func valueNoise(seed int64, x, z int, shift uint) int64 {
	cell := 1 << shift
	gx, gz := x>>shift, z>>shift
	tx := int64(x&(cell-1)) * fixedOne >> shift
	tz := int64(z&(cell-1)) * fixedOne >> shift
	sx, sz := smooth(tx), smooth(tz)

	a := lerp(lattice(seed, gx, gz), lattice(seed, gx+1, gz), sx)
	b := lerp(lattice(seed, gx, gz+1), lattice(seed, gx+1, gz+1), sx)
	return lerp(a, b, sz)
}

// fbm sums octaves of value noise with halving amplitude, normalised back to
// [-fixedOne, fixedOne).
func fbm(seed int64, x, z int, shift uint, octaves int) int64 {
	if octaves <= 0 {
		octaves = 1
	}
	var sum, norm int64
	amp := int64(fixedOne)
	for o := 0; o < octaves; o++ {
		s := shift
		if uint(o) < shift {
			s = shift - uint(o)
		} else {
			s = 0
		}
		sum += valueNoise(seed+int64(o)*7919, x, z, s) * amp >> 16
		norm += amp
		amp >>= 1
		if amp == 0 {
			break
		}
	}
	return sum * fixedOne / norm
}
