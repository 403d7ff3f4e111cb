// Package quickxorhash implements QuickXorHash, the content checksum
// Microsoft's cloud file APIs report for drive items.
//
// The digest is a 160-bit circular buffer. Every input byte is XORed into
// the buffer at the current bit position, and the position advances 11
// bits per byte, wrapping at 160. Finishing the hash XORs the total input
// length, as a little-endian uint64, into the last 8 bytes of the buffer.
//
// Reference C# implementation by Microsoft:
// https://learn.microsoft.com/en-us/onedrive/developer/code-snippets/quickxorhash
package quickxorhash

import (
	"encoding/binary"
	"hash"
)

const (
	// Size is the length, in bytes, of a QuickXorHash digest.
	Size = 20

	// BlockSize is the preferred input block size for the hash, in bytes.
	BlockSize = 64

	// widthBits is the circular buffer width in bits.
	widthBits = 160

	// step is how many bits the insertion point advances per input byte.
	step = 11
)

// digest is the running state: the 160-bit buffer as 20 bytes (bit i of
// the buffer is bit i%8 of byte i/8), the current insertion position in
// bits, and the total byte count.
type digest struct {
	buf [Size]byte
	pos int
	n   uint64
}

// New returns a new hash.Hash computing the QuickXorHash checksum.
func New() hash.Hash {
	return &digest{}
}

// Write absorbs p into the running hash. It always returns len(p), nil.
func (d *digest) Write(p []byte) (int, error) {
	for _, c := range p {
		idx := d.pos / 8
		rem := d.pos % 8

		d.buf[idx] ^= c << rem
		if rem > 0 {
			// High bits spill into the following byte; byte 19 wraps to
			// byte 0, closing the 160-bit circle.
			d.buf[(idx+1)%Size] ^= c >> (8 - rem)
		}

		d.pos = (d.pos + step) % widthBits
	}

	d.n += uint64(len(p))

	return len(p), nil
}

// Sum appends the finished digest to b and returns the result. The running
// state is not modified, so writes may continue afterwards.
func (d *digest) Sum(b []byte) []byte {
	out := d.buf

	var length [8]byte

	binary.LittleEndian.PutUint64(length[:], d.n)

	for i, lb := range length {
		out[Size-len(length)+i] ^= lb
	}

	return append(b, out[:]...)
}

// Reset returns the hash to its initial state.
func (d *digest) Reset() {
	*d = digest{}
}

// Size returns the digest length in bytes.
func (d *digest) Size() int { return Size }

// BlockSize returns the preferred write granularity.
func (d *digest) BlockSize() int { return BlockSize }
