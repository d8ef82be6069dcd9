// Package workunit implements the nonce-range subdivision and solution
// verification at the heart of mmpd's work distribution.
package workunit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// Size is the length in bytes of a Bitcoin-style block header.
const Size = 80

// WorkUnit represents a slice of the nonce space for a single block header.
// The header's low Mask bits of the nonce (data[76:80], little-endian) are
// guaranteed to be zero: every nonce this unit can try shares the remaining
// high bits, and the miner is free to search the low Mask bits.
type WorkUnit struct {
	Data     [Size]byte
	Target   [32]byte
	Mask     uint32
	Original bool
}

// New builds a WorkUnit from a full-size header and the desired mask. The
// low Mask bits of the nonce are cleared so the full nonce range
// [0, 1<<Mask) is available to search.
func New(data []byte, target []byte, mask uint32) *WorkUnit {
	wu := &WorkUnit{Mask: mask, Original: true}
	copy(wu.Data[:], data)
	copy(wu.Target[:], target)
	wu.clearLowNonceBits()
	return wu
}

func (w *WorkUnit) clearLowNonceBits() {
	if w.Mask == 0 || w.Mask >= 32 {
		if w.Mask >= 32 {
			binary.LittleEndian.PutUint32(w.Data[76:80], 0)
		}
		return
	}
	nonce := binary.LittleEndian.Uint32(w.Data[76:80])
	nonce &^= (uint32(1) << w.Mask) - 1
	binary.LittleEndian.PutUint32(w.Data[76:80], nonce)
}

// IsSimilarTo reports whether two units share the same previous-block-hash
// region (bytes [4:36)), meaning they belong to the same work template.
func (w *WorkUnit) IsSimilarTo(other *WorkUnit) bool {
	return bytes.Equal(w.Data[4:36], other.Data[4:36])
}

// Timestamp returns the big-endian uint32 timestamp field at data[68:72].
func (w *WorkUnit) Timestamp() uint32 {
	return binary.BigEndian.Uint32(w.Data[68:72])
}

// Nonce returns the little-endian uint32 nonce field at data[76:80].
func (w *WorkUnit) Nonce() uint32 {
	return binary.LittleEndian.Uint32(w.Data[76:80])
}

// Split divides the unit's nonce range in half, returning two new units each
// with Mask-1 and Original=false. The receiver is not modified.
func (w *WorkUnit) Split() (*WorkUnit, *WorkUnit) {
	if w.Mask == 0 {
		panic("workunit: cannot split a unit with mask 0")
	}

	left := &WorkUnit{Data: w.Data, Target: w.Target, Mask: w.Mask - 1, Original: false}
	right := &WorkUnit{Data: w.Data, Target: w.Target, Mask: w.Mask - 1, Original: false}

	bit := uint32(1) << (w.Mask - 1)
	rightNonce := binary.LittleEndian.Uint32(right.Data[76:80]) | bit
	binary.LittleEndian.PutUint32(right.Data[76:80], rightNonce)

	return left, right
}

// CheckResult verifies a candidate 80-byte header against this unit's nonce
// range and the given target (pass nil to use the unit's own Target). It
// returns true only if:
//   - result is exactly 80 bytes
//   - the first 76 bytes are unchanged from w.Data
//   - the nonce falls within this unit's range (modulo Mask)
//   - the word-swapped double-SHA256 of result does not exceed target, both
//     read as little-endian 256-bit integers
func (w *WorkUnit) CheckResult(result []byte, target []byte) bool {
	if len(result) != Size {
		return false
	}
	if !bytes.Equal(result[:76], w.Data[:76]) {
		return false
	}

	if target == nil {
		target = w.Target[:]
	}

	maskBits := uint32(0)
	if w.Mask < 32 {
		maskBits = (uint32(1) << w.Mask) - 1
	} else {
		maskBits = 0xFFFFFFFF
	}
	wantNonce := w.Nonce()
	gotNonce := binary.LittleEndian.Uint32(result[76:80])
	if (wantNonce | maskBits) != (gotNonce | maskBits) {
		return false
	}

	digest := hashHeader(result)
	return meetsTarget(digest, target)
}

// hashHeader performs the word-swapped double-SHA256 used by Bitcoin-style
// getwork: each group of 4 bytes in the 80-byte header is byte-reversed
// before hashing (result[i^3] for i in 0..79), matching the historical
// getwork midstate/hash1 convention.
func hashHeader(result []byte) [32]byte {
	var swapped [Size]byte
	for i := 0; i < Size; i++ {
		swapped[i] = result[i^3]
	}

	first := sha256.Sum256(swapped[:])
	second := sha256.Sum256(first[:])
	return second
}

// meetsTarget compares digest and target as little-endian 256-bit integers:
// bytes at the same index are compared from index 31 (most significant)
// down to 0, and the first difference decides. A tie counts as meeting the
// target.
func meetsTarget(digest [32]byte, target []byte) bool {
	if len(target) != 32 {
		return false
	}
	for i := 31; i >= 0; i-- {
		d := digest[i]
		t := target[i]
		if d < t {
			return true
		}
		if d > t {
			return false
		}
	}
	return true
}

// Buffer is an ordered collection of WorkUnits, sorted newest-first
// (descending timestamp) with ties broken by ascending Mask. Setting fifo
// reverses the primary ordering so the oldest unit comes first instead.
type Buffer struct {
	units []*WorkUnit
	fifo  bool
}

// NewBuffer creates an empty Buffer. fifo reverses timestamp ordering.
func NewBuffer(fifo bool) *Buffer {
	return &Buffer{fifo: fifo}
}

// Len returns the number of buffered units.
func (b *Buffer) Len() int { return len(b.units) }

// Units returns the buffered units in sorted order. The slice must not be
// mutated by the caller.
func (b *Buffer) Units() []*WorkUnit { return b.units }

// Reset replaces the buffer contents with a single unit.
func (b *Buffer) Reset(wu *WorkUnit) {
	b.units = []*WorkUnit{wu}
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.units = nil
}

// Add inserts a unit and re-sorts the buffer.
func (b *Buffer) Add(wu *WorkUnit) {
	b.units = append(b.units, wu)
	b.sort()
}

func (b *Buffer) sort() {
	sort.SliceStable(b.units, func(i, j int) bool {
		a, c := b.units[i], b.units[j]
		if a.Timestamp() != c.Timestamp() {
			if b.fifo {
				return a.Timestamp() < c.Timestamp()
			}
			return a.Timestamp() > c.Timestamp()
		}
		return a.Mask < c.Mask
	})
}

// HashSpace returns the total number of distinct nonces represented by the
// buffered units (sum of 1<<Mask across units).
func (b *Buffer) HashSpace() uint64 {
	var total uint64
	for _, u := range b.units {
		total += uint64(1) << u.Mask
	}
	return total
}

// remove deletes the unit at index i, preserving order of the rest.
func (b *Buffer) remove(i int) *WorkUnit {
	wu := b.units[i]
	b.units = append(b.units[:i], b.units[i+1:]...)
	return wu
}

// Take retrieves a unit matching desiredMask as closely as possible:
//
//   - Strategy 1: the first (i.e. newest/smallest, per sort order) unit with
//     Mask >= desiredMask is pulled and split down to desiredMask; the
//     leftover half(s) are reinserted.
//   - Strategy 2: if no unit is big enough, the single largest (ties broken
//     by newest) unit is returned whole.
//
// Take reports false if the buffer is empty.
func (b *Buffer) Take(desiredMask uint32) (*WorkUnit, bool) {
	if len(b.units) == 0 {
		return nil, false
	}

	for i, u := range b.units {
		if u.Mask < desiredMask {
			continue
		}
		unit := b.remove(i)
		for unit.Mask > desiredMask {
			left, right := unit.Split()
			b.units = append(b.units, right)
			unit = left
		}
		b.sort()
		return unit, true
	}

	bestIdx := 0
	for i, u := range b.units {
		if u.Mask > b.units[bestIdx].Mask {
			bestIdx = i
		} else if u.Mask == b.units[bestIdx].Mask && u.Timestamp() > b.units[bestIdx].Timestamp() {
			bestIdx = i
		}
	}
	return b.remove(bestIdx), true
}
