// Package intelligence holds the approximate bookkeeping sessions use to
// remember which providers they have given up on.
package intelligence

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Bloom is a bloom filter safe for concurrent use. Membership is sticky and
// may report false positives, never false negatives.
type Bloom struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBloom creates a filter of bitCount bits probed by k hash functions.
func NewBloom(bitCount, k uint64) *Bloom {
	return &Bloom{filter: bloom.New(uint(bitCount), uint(k))}
}

// NewBloomForCapacity sizes a filter for n items at false positive rate p.
func NewBloomForCapacity(n int, p float64) *Bloom {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	return &Bloom{filter: bloom.NewWithEstimates(uint(n), p)}
}

func (b *Bloom) Add(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.Add(data)
}

func (b *Bloom) Test(data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.Test(data)
}
