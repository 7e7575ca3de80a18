package phrase

import (
	"cmp"
	"errors"
	"slices"
)

// ErrNoPhrases is returned by SelectPrior for an empty range map.
var ErrNoPhrases = errors.New("no phrase ranges to select from")

// Range is the tick span of a phrase, both ends inclusive.
type Range struct {
	StartTicks int64
	EndTicks   int64
}

type keyedRange[K cmp.Ordered] struct {
	key K
	Range
}

func sortedRanges[K cmp.Ordered](ranges map[K]Range) []keyedRange[K] {
	sorted := make([]keyedRange[K], 0, len(ranges))
	for k, r := range ranges {
		sorted = append(sorted, keyedRange[K]{key: k, Range: r})
	}
	slices.SortFunc(sorted, func(a, b keyedRange[K]) int {
		if c := cmp.Compare(a.StartTicks, b.StartTicks); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	return sorted
}

// SelectPrior picks the phrase to render next: one containing the playhead,
// otherwise the first one after it, otherwise the earliest one.
func SelectPrior[K cmp.Ordered](ranges map[K]Range, playhead int64) (K, error) {
	var zero K
	if len(ranges) == 0 {
		return zero, ErrNoPhrases
	}
	sorted := sortedRanges(ranges)
	for _, r := range sorted {
		if r.StartTicks <= playhead && playhead <= r.EndTicks {
			return r.key, nil
		}
	}
	for _, r := range sorted {
		if r.StartTicks > playhead {
			return r.key, nil
		}
	}
	return sorted[0].key, nil
}
