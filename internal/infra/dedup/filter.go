// Package dedup provides a probabilistic prefilter over processed payment
// references. It answers "was this reference seen before?" with:
//   - Yes → probably (false positive rate ≤ configured FPR)
//   - No  → definitely not (zero false negatives)
//
// A "no" lets the pipeline skip the datastore dedup read for fresh
// references. A "yes" still goes to the datastore: the reference table's
// primary key stays the only authoritative guard.
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// Config sizes the filter.
type Config struct {
	ExpectedReferences int     // references expected before a restart
	FPRate             float64 // acceptable false positive rate
}

// DefaultConfig covers 100k references at a 0.1% false positive rate,
// about 180 KB of bits.
func DefaultConfig() Config {
	return Config{
		ExpectedReferences: 100_000,
		FPRate:             0.001,
	}
}

// Filter is a space-efficient probabilistic set of payment references.
type Filter struct {
	mu      sync.RWMutex
	bits    []uint64
	numBits uint
	numHash uint
	count   int
}

// New creates a filter sized for the target false positive rate.
// Sizing formulas:
//
//	m = -(n * ln(p)) / (ln(2)^2)   — total bits
//	k = (m/n) * ln(2)              — hash functions
func New(cfg Config) *Filter {
	if cfg.ExpectedReferences <= 0 {
		cfg.ExpectedReferences = DefaultConfig().ExpectedReferences
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = DefaultConfig().FPRate
	}

	n := float64(cfg.ExpectedReferences)
	p := cfg.FPRate

	m := uint(math.Ceil(-(n * math.Log(p)) / (math.Log(2) * math.Log(2))))
	k := uint(math.Ceil(float64(m) / n * math.Log(2)))

	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}

	return &Filter{
		bits:    make([]uint64, (m+63)/64),
		numBits: m,
		numHash: k,
	}
}

// Add marks a reference as seen.
func (f *Filter) Add(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h1, h2 := baseHashes(reference)
	for i := uint(0); i < f.numHash; i++ {
		pos := f.nthHash(h1, h2, i)
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MightContain reports whether a reference may have been seen.
// False means definitely not seen.
func (f *Filter) MightContain(reference string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h1, h2 := baseHashes(reference)
	for i := uint(0); i < f.numHash; i++ {
		pos := f.nthHash(h1, h2, i)
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of references added.
func (f *Filter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPRate returns the estimated current false positive rate
// given the number of references added so far.
func (f *Filter) EstimatedFPRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m := float64(f.numBits)
	k := float64(f.numHash)
	n := float64(f.count)

	// FP rate ≈ (1 - e^(-kn/m))^k
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// baseHashes derives two independent 32-bit hashes; nthHash combines them
// with double hashing (h_i(x) = h1(x) + i*h2(x)) so k positions come from
// one SHA-256 pass.
func baseHashes(reference string) (uint32, uint32) {
	sum := sha256.Sum256([]byte(reference))
	return binary.BigEndian.Uint32(sum[0:4]), binary.BigEndian.Uint32(sum[4:8])
}

func (f *Filter) nthHash(h1, h2 uint32, i uint) uint {
	return uint((uint64(h1) + uint64(i)*uint64(h2)) % uint64(f.numBits))
}
