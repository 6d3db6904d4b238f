package issuance

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomHint implements IssuedHint with a bloom filter over (policy, user)
// keys. A negative answer is definitive for keys remembered by this process,
// so the coordinator can skip the duplicate lookup on the first delivery of
// a welcome event; a positive answer only means "check storage".
type BloomHint struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBloomHint sizes the filter for the expected number of issuances at the
// given false-positive rate.
func NewBloomHint(expectedKeys uint, fpRate float64) *BloomHint {
	return &BloomHint{filter: bloom.NewWithEstimates(expectedKeys, fpRate)}
}

// MayExist reports whether an issuance for the pair may have been recorded.
func (h *BloomHint) MayExist(policyID, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filter.Test(hintKey(policyID, userID))
}

// Remember records a committed issuance.
func (h *BloomHint) Remember(policyID, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter.Add(hintKey(policyID, userID))
}

func hintKey(policyID, userID int64) []byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(policyID))
	binary.BigEndian.PutUint64(key[8:], uint64(userID))
	return key[:]
}
