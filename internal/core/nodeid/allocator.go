package nodeid

import (
	"math/bits"

	"github.com/zeusync/replicore/internal/core/models"
)

// Allocator hands out ids 1..511 first-fit. Id 0 is permanently reserved.
type Allocator struct {
	used Bitmask
}

func NewAllocator() *Allocator {
	a := &Allocator{}
	a.used.Set(models.InvalidLocal)
	return a
}

// Allocate returns the lowest free id, or InvalidLocal when every id is in use.
func (a *Allocator) Allocate() models.LocalID {
	for gi, g := range a.used.groups {
		if g == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^g)
		id := models.LocalID(gi*BitsPerGroup + bit)
		a.used.Set(id)
		return id
	}
	return models.InvalidLocal
}

// Release frees id for reuse. Releasing the reserved id is a no-op.
func (a *Allocator) Release(id models.LocalID) {
	if id == models.InvalidLocal {
		return
	}
	a.used.Clear(id)
}

// Claim marks a specific id as used. It reports false when the id is
// reserved, out of range or already taken.
func (a *Allocator) Claim(id models.LocalID) bool {
	if id == models.InvalidLocal || id > models.MaxLocalID || a.used.Has(id) {
		return false
	}
	a.used.Set(id)
	return true
}

func (a *Allocator) InUse(id models.LocalID) bool {
	return id != models.InvalidLocal && a.used.Has(id)
}

// Len is the number of allocated ids.
func (a *Allocator) Len() int {
	return a.used.Count() - 1
}

// Reset releases every id.
func (a *Allocator) Reset() {
	a.used.Reset()
	a.used.Set(models.InvalidLocal)
}
