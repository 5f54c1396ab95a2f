package kv

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// VersionstampSource issues opaque, lexicographically ordered commit
// identifiers. Stamps are v7 UUIDs rendered in canonical form: the
// leading 48 bits are a millisecond timestamp, so string order follows
// issue order as long as the clock does not step backwards. The source
// forces monotonicity within one engine instance: if a freshly generated
// stamp does not sort after the last one issued, the last stamp is
// incremented by one unit instead.
type VersionstampSource struct {
	mu   sync.Mutex
	last uuid.UUID
	has  bool
}

// NewVersionstampSource creates a source with no history.
func NewVersionstampSource() *VersionstampSource {
	return &VersionstampSource{}
}

// Next returns a stamp strictly greater than every stamp previously
// returned by this source.
func (s *VersionstampSource) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate versionstamp: %w", err)
	}
	if s.has && compareUUID(id, s.last) <= 0 {
		id = incrementUUID(s.last)
	}
	s.last = id
	s.has = true
	return id.String(), nil
}

func compareUUID(a, b uuid.UUID) int {
	for i := 0; i < len(a); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// incrementUUID treats the UUID as a 128-bit big-endian integer and adds
// one, carrying across bytes. Wraparound would require 2^128 stamps from
// one instance and is not handled.
func incrementUUID(id uuid.UUID) uuid.UUID {
	for i := len(id) - 1; i >= 0; i-- {
		id[i]++
		if id[i] != 0 {
			break
		}
	}
	return id
}
