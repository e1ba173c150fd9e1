// Package rng provides the single deterministic pseudo-random source used
// across a simulation run: mutation draws during COPY and any randomized
// allocator tie-breaking. Every call sequence is reproducible from a seed,
// and the full internal state can be saved and restored byte-for-byte.
package rng

import (
	"encoding/binary"
	"fmt"
)

// Source is a splitmix64-style counter-based generator. It has no hidden
// global state; every Source is independent and cheap to copy.
type Source struct {
	state       uint64
	initialSeed int64
}

// New creates a Source seeded deterministically from seed.
func New(seed int64) *Source {
	return &Source{state: uint64(seed), initialSeed: seed}
}

// InitialSeed returns the seed this Source was constructed with.
func (s *Source) InitialSeed() int64 {
	return s.initialSeed
}

func (s *Source) nextUint64() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return z
}

// Next32 returns the next uniformly distributed uint32 in the stream.
func (s *Source) Next32() uint32 {
	return uint32(s.nextUint64() >> 32)
}

// NextFloat64 returns a uniform float64 in [0, 1).
func (s *Source) NextFloat64() float64 {
	// Take the top 53 bits, the full mantissa precision of a float64.
	return float64(s.nextUint64()>>11) / (1 << 53)
}

// NextBounded returns a uniform uint32 in [0, n). Panics if n == 0, since
// there is no valid value to return for an empty range.
func (s *Source) NextBounded(n uint32) uint32 {
	if n == 0 {
		panic("rng: NextBounded called with n == 0")
	}
	// Rejection sampling to avoid modulo bias.
	limit := (uint64(1) << 32) - (uint64(1)<<32)%uint64(n)
	for {
		v := uint64(s.Next32())
		if v < limit {
			return uint32(v % uint64(n))
		}
	}
}

// SaveState serializes the generator's internal state and initial seed.
// Restore(SaveState()) reproduces the exact subsequent output.
func (s *Source) SaveState() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], s.state)
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.initialSeed))
	return buf
}

// Restore rebuilds a Source from bytes produced by SaveState.
func Restore(data []byte) (*Source, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("rng: invalid state length %d, want 16", len(data))
	}
	return &Source{
		state:       binary.BigEndian.Uint64(data[0:8]),
		initialSeed: int64(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}
