package persistence

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"mvccdb/pkg/dberrors"
)

// BloomFilter answers "definitely absent" for user keys of a table.
// Probes use double hashing over one 64-bit xxhash.
type BloomFilter struct {
	bits []byte
	size uint32
	k    uint8
}

func hashKey(key []byte) uint64 { return xxhash.Sum64(key) }

// NewBloomFilter sizes a filter for the given number of keys and false positive rate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	size := calculateOptimalSize(expectedItems, falsePositiveRate)
	return &BloomFilter{
		bits: make([]byte, (size+7)/8),
		size: size,
		k:    calculateHashCount(expectedItems, size),
	}
}

// buildBloomFilter creates a filter from precomputed key hashes.
func buildBloomFilter(hashes []uint64, falsePositiveRate float64) *BloomFilter {
	bf := NewBloomFilter(len(hashes), falsePositiveRate)
	for _, h := range hashes {
		bf.addHash(h)
	}
	return bf
}

func (bf *BloomFilter) Add(key []byte) { bf.addHash(hashKey(key)) }

func (bf *BloomFilter) addHash(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.k); i++ {
		idx := (h1 + i*h2) % bf.size
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain reports false only if key was never added.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h := hashKey(key)
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < uint32(bf.k); i++ {
		idx := (h1 + i*h2) % bf.size
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// encoding: k (1 byte) | bit array
func (bf *BloomFilter) encode() []byte {
	out := make([]byte, 0, len(bf.bits)+1)
	out = append(out, bf.k)
	return append(out, bf.bits...)
}

func decodeBloomFilter(b []byte) (*BloomFilter, error) {
	if len(b) < 2 || b[0] == 0 {
		return nil, dberrors.Corruption(nil, "malformed bloom filter")
	}
	bits := append([]byte(nil), b[1:]...)
	return &BloomFilter{bits: bits, size: uint32(len(bits) * 8), k: b[0]}, nil
}

// calculateOptimalSize returns the bit count m = -n*ln(p) / ln(2)^2.
func calculateOptimalSize(expectedItems int, falsePositiveRate float64) uint32 {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := -float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	// round up to whole bytes so decoding recovers the same size
	return (uint32(math.Ceil(m)) + 7) / 8 * 8
}

// calculateHashCount returns k = (m/n) * ln(2), clamped to [1, 16].
func calculateHashCount(expectedItems int, size uint32) uint8 {
	if expectedItems < 1 {
		expectedItems = 1
	}
	k := int(math.Round(float64(size) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return uint8(k)
}
