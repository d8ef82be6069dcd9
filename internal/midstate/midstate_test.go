package midstate

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// fullHash hashes an arbitrary message using this package's compress
// function and the standard SHA-256 padding scheme, so its result can be
// checked against crypto/sha256 to validate compress() independently of
// Calculate()'s single-block contract.
func fullHash(msg []byte) [32]byte {
	state := initialState

	bitLen := uint64(len(msg)) * 8
	padded := append([]byte{}, msg...)
	padded = append(padded, 0x80)
	for len(padded)%64 != 56 {
		padded = append(padded, 0)
	}
	var lenBytes [8]byte
	binary.BigEndian.PutUint64(lenBytes[:], bitLen)
	padded = append(padded, lenBytes[:]...)

	for off := 0; off < len(padded); off += 64 {
		state = compress(state, padded[off:off+64])
	}

	var out [32]byte
	for i, word := range state {
		binary.BigEndian.PutUint32(out[i*4:], word)
	}
	return out
}

func TestCompressMatchesStandardLibrary(t *testing.T) {
	msgs := [][]byte{
		[]byte(""),
		[]byte("abc"),
		make([]byte, 64),
		make([]byte, 80),
	}

	for _, msg := range msgs {
		got := fullHash(msg)
		want := sha256.Sum256(msg)
		if got != want {
			t.Errorf("fullHash(%d bytes) = %x, want %x", len(msg), got, want)
		}
	}
}

func TestCalculateSingleBlockMatchesFirstCompression(t *testing.T) {
	prefix := make([]byte, 64)
	for i := range prefix {
		prefix[i] = byte(i * 3)
	}

	got := Calculate(prefix)

	wantState := compress(initialState, prefix)
	var want [32]byte
	for i, word := range wantState {
		binary.LittleEndian.PutUint32(want[i*4:], word)
	}

	if got != want {
		t.Errorf("Calculate() = %x, want %x", got, want)
	}
}

func TestCalculatePanicsOnWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Calculate should panic on a non-64-byte prefix")
		}
	}()
	Calculate(make([]byte, 63))
}
