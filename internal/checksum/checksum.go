// Package checksum implements the rolling CRC-64 checksum used to verify
// that a destination holds the same bytes as its source.
//
// The concrete algorithm is CRC-64 with the ECMA-182 polynomial, computed via
// the standard library's hash/crc64 package. No third-party CRC-64
// implementation is grounded in the example pack (klauspost/compress only
// provides CRC-32 variants), so this single leaf computation is the one
// place in the engine where the standard library is used directly instead of
// an ecosystem library.
package checksum

import (
	"hash/crc64"

	"github.com/pkg/errors"
)

// table is shared across all Hashers; hash/crc64 requires the table be
// constructed once and then reused.
var table = crc64.MakeTable(crc64.ECMA)

// Checksum is an opaque 64-bit digest. The zero value is the checksum of
// empty input.
type Checksum struct {
	value uint64
}

// Equal reports whether two checksums are identical.
func (c Checksum) Equal(other Checksum) bool {
	return c.value == other.value
}

// XORAssign combines other into c using bitwise XOR. XOR is commutative and
// associative, which is what makes it suitable for order-independent
// aggregation (directory entry checksums).
func (c *Checksum) XORAssign(other Checksum) {
	c.value ^= other.value
}

// String renders the checksum as a hex string, for logging.
func (c Checksum) String() string {
	return hex(c.value)
}

func hex(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// Hasher is a stateful streaming CRC-64 builder.
type Hasher struct {
	crc uint64
}

// NewHasher returns a Hasher in its identity state.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Update feeds bytes into the hasher. It never returns an error: per the
// hash.Hash contract, a CRC computation cannot fail on valid input.
func (h *Hasher) Update(data []byte) {
	h.crc = crc64.Update(h.crc, table, data)
}

// Finalize produces the checksum for all bytes written so far. The Hasher
// remains usable after Finalize (matching hash.Hash64's Sum semantics), but
// the engine never relies on that; each obligation uses a fresh Hasher.
func (h *Hasher) Finalize() Checksum {
	return Checksum{value: h.crc}
}

// Slot holds an optional recorded checksum for an obligation across rounds.
// It starts empty on the first round (seeding the checksum) and holds the
// recorded value on every subsequent round (validating it).
type Slot struct {
	value   Checksum
	present bool
}

// FillOrCheck is the single point at which the engine enforces that the
// source has not changed between rounds: when the slot is empty it records
// value; otherwise it requires value to match what's already recorded.
func (s *Slot) FillOrCheck(value Checksum) error {
	if !s.present {
		s.value = value
		s.present = true
		return nil
	}
	if !s.value.Equal(value) {
		return errors.Errorf("checksum mismatch: recorded %s, recomputed %s (source changed since it was first seen)", s.value, value)
	}
	return nil
}

// Value returns the recorded checksum. It must only be called after at least
// one successful FillOrCheck.
func (s *Slot) Value() Checksum {
	return s.value
}

// NewEmptySlot returns a Slot with no recorded checksum, used when seeding an
// obligation for the first time.
func NewEmptySlot() *Slot {
	return &Slot{}
}

// NewFilledSlot returns a Slot pre-filled with a recorded checksum, used when
// re-verifying an obligation on a subsequent round.
func NewFilledSlot(value Checksum) *Slot {
	return &Slot{value: value, present: true}
}
