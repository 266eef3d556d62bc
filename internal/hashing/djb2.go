package hashing

import "strconv"

const djb2Seed uint64 = 5381

// DJB2 is Bernstein's rolling string hash (h = h*33 + c) over 64-bit
// unsigned arithmetic, rendered in decimal. Each byte is added as a signed
// char, so bytes 0x80 and above sign-extend and non-ASCII labels digest
// the same as under the C implementation. It is fast and stable but offers
// no resistance to deliberate collisions.
type DJB2 struct{}

// Digest implements Hasher. It never fails.
func (DJB2) Digest(data []byte) (string, error) {
	h := djb2Seed
	for _, c := range data {
		h = (h << 5) + h + uint64(int64(int8(c)))
	}
	return strconv.FormatUint(h, 10), nil
}

// Name implements Hasher.
func (DJB2) Name() string { return AlgorithmDJB2 }
