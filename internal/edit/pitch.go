package edit

import (
	"math"

	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/project"
)

const (
	minValidF0              = 1e-5
	baseTransitionLengthSec = 0.060
)

type frameInfo struct {
	edited bool
	voiced bool
}

type transition struct {
	boundary    int
	left, right int
}

func framePhonemes(phonemes []engine.FramePhoneme) []string {
	frames := make([]string, 0, len(phonemes))
	for _, p := range phonemes {
		for i := 0; i < p.FrameLength; i++ {
			frames = append(frames, p.Phoneme)
		}
	}
	return frames
}

// ApplyPitchEdit writes the user's pitch edits into q.F0. Edits are applied
// as log-f0 offsets inside each voiced run, and the borders between edited
// and unedited frames are smoothed. pitchEditData is indexed by absolute
// editor frames; ValueIndicatingNoData marks frames without an edit.
func ApplyPitchEdit(q *engine.FrameAudioQuery, phraseStartTime float64, pitchEditData []float64, editorFrameRate float64) error {
	if q.FrameRate != editorFrameRate {
		return ErrFrameRateMismatch
	}
	phonemes := framePhonemes(q.Phonemes)
	if len(q.F0) != len(phonemes) {
		return ErrFrameCountMismatch
	}

	phraseStart := secondToRoundedFrame(phraseStartTime, q.FrameRate)
	phraseEnd := phraseStart + len(q.F0)

	type run struct{ start, end int }
	var runs []run
	open := -1
	for i := max(0, phraseStart); i < phraseEnd; i++ {
		if q.F0[i-phraseStart] >= minValidF0 {
			if open < 0 {
				open = i
			}
		} else if open >= 0 {
			runs = append(runs, run{open, i})
			open = -1
		}
	}
	if open >= 0 {
		runs = append(runs, run{open, phraseEnd})
	}

	baseTransition := int(math.Round(baseTransitionLengthSec * q.FrameRate))
	for _, r := range runs {
		infos := make([]frameInfo, 0, r.end-r.start)
		logF0 := make([]float64, 0, r.end-r.start)
		diff := make([]float64, 0, r.end-r.start)
		anyEdited := false
		for i := r.start; i < r.end; i++ {
			idx := i - phraseStart
			voiced := !engine.IsUnvoiced(phonemes[idx])
			value := float64(project.ValueIndicatingNoData)
			if voiced && i < len(pitchEditData) {
				value = pitchEditData[i]
			}
			edited := value != project.ValueIndicatingNoData
			original := math.Log(q.F0[idx])

			infos = append(infos, frameInfo{edited: edited, voiced: voiced})
			logF0 = append(logF0, original)
			if edited {
				anyEdited = true
				diff = append(diff, math.Log(value)-original)
			} else {
				diff = append(diff, 0)
			}
		}
		if !anyEdited {
			continue
		}

		applySmoothTransitions(diff, findTransitions(infos, baseTransition))

		for i := range logF0 {
			q.F0[r.start+i-phraseStart] = math.Exp(logF0[i] + diff[i])
		}
	}
	return nil
}

// findTransitions locates edited/unedited borders. Transitions are shifted
// into nearby unvoiced frames where possible so sung expression around the
// border is kept.
func findTransitions(infos []frameInfo, baseTransition int) []transition {
	var transitions []transition
	for i := 1; i < len(infos); i++ {
		if infos[i].edited == infos[i-1].edited {
			continue
		}
		left := baseTransition / 2
		right := baseTransition / 2
		if infos[i].edited {
			prev := i - 1
			for d := 0; d < right && prev-d >= 0; d++ {
				if !infos[prev-d].voiced {
					left += right - d
					right = d
					break
				}
			}
		} else {
			for d := 0; d < left && i+d < len(infos); d++ {
				if !infos[i+d].voiced {
					right += left - d
					left = d
					break
				}
			}
		}
		if left != 0 || right != 0 {
			transitions = append(transitions, transition{boundary: i, left: left, right: right})
		}
	}
	return transitions
}

// applySmoothTransitions replaces the values in [boundary-left,
// boundary+right) with a linear ramp between the values just outside that
// window. Anchors are read from the unsmoothed input.
func applySmoothTransitions(values []float64, transitions []transition) {
	if len(values) == 0 {
		return
	}
	original := append([]float64(nil), values...)
	for _, t := range transitions {
		from := max(0, t.boundary-t.left)
		to := min(len(values), t.boundary+t.right)
		if to <= from {
			continue
		}
		anchorL := max(0, from-1)
		anchorR := min(len(values)-1, to)
		lv, rv := original[anchorL], original[anchorR]
		span := float64(anchorR - anchorL)
		if span <= 0 {
			continue
		}
		for i := from; i < to; i++ {
			values[i] = lv + (rv-lv)*float64(i-anchorL)/span
		}
	}
}

// ApplyVolumeEdit overwrites q.Volume with the user's volume edits, clamped
// to be non-negative.
func ApplyVolumeEdit(q *engine.FrameAudioQuery, phraseStartTime float64, volumeEditData []float64, editorFrameRate float64) error {
	if q.FrameRate != editorFrameRate {
		return ErrFrameRateMismatch
	}
	phraseStart := secondToRoundedFrame(phraseStartTime, q.FrameRate)
	phraseEnd := phraseStart + len(q.Volume)
	for i := max(0, phraseStart); i < min(len(volumeEditData), phraseEnd); i++ {
		v := volumeEditData[i]
		if v == project.ValueIndicatingNoData {
			continue
		}
		q.Volume[i-phraseStart] = max(v, 0)
	}
	return nil
}
