package cspace

import (
	"math/rand"

	"github.com/latticevm/lattice/pkg/herr"
)

// lowerBits is log2(capsPerTable). The id encoder packs (upper, lower) into
// a single linear index of log2(numCapTables) + lowerBits bits before applying the randomized multiply-xor transform
// (DATA MODEL "cap table"; original_source cspace_twolevel.c
// cspace_indices_to_cap_id/cspace_cap_id_to_indices).
const (
	numCapTables = 256
	capsPerTable = 256

	lowerBits = 8 // log2(capsPerTable)
)

// idEncoder holds the per-cspace randomization state: a 64-bit xor base and
// a 16-bit multiplier together with its rounded-up reciprocal
// (1<<32)/mult + 1, so that decode can recover the multiplicand via multiply-then-shift exactly as
// original_source's cspace_decode_cap_id does.
type idEncoder struct {
	base uint64
	mult uint32 // 16-bit value, widened for arithmetic
	inv  uint64 // (1<<32)/mult + 1, as in the source
}

func newIDEncoder(base uint64, mult uint16) idEncoder {
	if mult == 0 {
		mult = 1
	}
	m := uint32(mult)
	return idEncoder{
		base: base,
		mult: m,
		inv:  (uint64(1)<<32)/uint64(m) + 1,
	}
}

// randomIDEncoder picks a random base/multiplier pair the way
// cspace_init_id_encoder does, avoiding a base whose top 8 bits would
// collide with the reserved 0xffffff00_xxxxxxxx id space used for sentinel
// cap ids.
func randomIDEncoder(src *rand.Rand) idEncoder {
	var base uint64
	for {
		base = src.Uint64()
		if base>>32 < 0xffffff00 {
			break
		}
	}
	mult := uint16(src.Uint32())
	for mult == 0 {
		mult = uint16(src.Uint32())
	}
	return newIDEncoder(base, mult)
}

func (e idEncoder) encode(upper, lower uint32) uint32 {
	v := uint64(upper)<<lowerBits | uint64(lower)
	return uint32(v*uint64(e.mult)) ^ uint32(e.base)
}

// decode recovers (upper, lower) from a VM-visible id, or
// herr.ArgumentInvalid if the id does not decode to a value produced by
// encode (original_source cspace_decode_cap_id).
func (e idEncoder) decode(id uint32) (upper, lower uint32, err error) {
	r := uint64(id ^ uint32(e.base))
	v := (r * e.inv) >> 32

	if r != uint64(uint32(r)) {
		return 0, 0, herr.ArgumentInvalid
	}
	upper = uint32(v >> lowerBits)
	lower = uint32(v) & (capsPerTable - 1)
	if upper >= numCapTables || lower >= capsPerTable {
		return 0, 0, herr.ArgumentInvalid
	}
	return upper, lower, nil
}
