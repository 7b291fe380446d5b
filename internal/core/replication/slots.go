package replication

import (
	"math/bits"

	"github.com/zeusync/replicore/internal/core/models"
)

// slotSet is a bitset over the 256 possible child slots of a root.
type slotSet struct {
	words [4]uint64
}

func (s *slotSet) set(slot models.ChildSlot) {
	s.words[slot>>6] |= 1 << (slot & 63)
}

func (s *slotSet) empty() bool {
	return s.words == [4]uint64{}
}

// drain visits set slots in ascending order and clears them.
func (s *slotSet) drain(fn func(slot models.ChildSlot)) {
	for g := range s.words {
		w := s.words[g]
		s.words[g] = 0
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &= w - 1
			fn(models.ChildSlot(g*64 + bit))
		}
	}
}
