package phrase

import (
	"math"

	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/project"
)

const (
	spanDecaySeconds = 1.0
	spanCurve        = 1.5
	gapDecaySeconds  = 0.25
	gapCurve         = 2.0
)

// interpByDiff moves from x towards y as diff grows. diff == 0 yields x and
// large diffs approach y; decay sets the scale and curve the steepness.
func interpByDiff(x, y, diff, decay, curve float64) float64 {
	if diff <= 0 || decay <= 0 {
		return x
	}
	closeness := 1 - math.Exp(-math.Pow(diff/decay, curve))
	return x + (y-x)*closeness
}

// assignFrameBounds sets the non-pause frame bounds of one track's phrases.
// phrases must be in position order.
func assignFrameBounds(phrases []*Phrase, snap *project.Snapshot, frameRate float64) {
	seconds := func(ticks int64) float64 {
		return music.TickToSecond(float64(ticks), snap.Tempos, snap.TPQN)
	}

	for i, p := range phrases {
		if i > 0 {
			prev := phrases[i-1]
			if prev.MaxNonPauseEndFrame != nil {
				offset := int(math.Round((p.StartTime - prev.StartTime) * frameRate))
				v := max(1, *prev.MaxNonPauseEndFrame-offset)
				p.MinNonPauseStartFrame = &v
			}
		}
		if i == len(phrases)-1 {
			continue
		}

		next := phrases[i+1]
		firstOn := seconds(p.Notes[0].Position)
		end := seconds(p.Notes[len(p.Notes)-1].End())
		gap := seconds(next.Notes[0].Position) - end

		reach := interpByDiff(0, gap, end-firstOn, spanDecaySeconds, spanCurve)
		reach = interpByDiff(0, reach, gap, gapDecaySeconds, gapCurve)

		v := int(math.Round((end + reach - p.StartTime) * frameRate))
		if p.MinNonPauseStartFrame != nil {
			v = max(v, *p.MinNonPauseStartFrame)
		}
		v = max(v, 1)
		p.MaxNonPauseEndFrame = &v
	}
}
