package edit

import (
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/project"
)

// PhonemeTiming is a phoneme placed on absolute frames of a phrase query.
type PhonemeTiming struct {
	NoteID     project.NoteID
	StartFrame int
	EndFrame   int
	Phoneme    string
}

func ToPhonemeTimings(phonemes []engine.FramePhoneme) []PhonemeTiming {
	timings := make([]PhonemeTiming, 0, len(phonemes))
	frame := 0
	for _, p := range phonemes {
		timings = append(timings, PhonemeTiming{
			NoteID:     p.NoteID,
			StartFrame: frame,
			EndFrame:   frame + p.FrameLength,
			Phoneme:    p.Phoneme,
		})
		frame += p.FrameLength
	}
	return timings
}

func ToPhonemes(timings []PhonemeTiming) []engine.FramePhoneme {
	phonemes := make([]engine.FramePhoneme, 0, len(timings))
	for _, t := range timings {
		phonemes = append(phonemes, engine.FramePhoneme{
			Phoneme:     t.Phoneme,
			FrameLength: t.EndFrame - t.StartFrame,
			NoteID:      t.NoteID,
		})
	}
	return phonemes
}

// ApplyPhonemeTimingEdit moves phoneme starts by the offsets the user set per
// note. An edit one past the last phoneme of a note that is followed by the
// trailing pau moves the end of the sung section instead.
func ApplyPhonemeTimingEdit(timings []PhonemeTiming, edits map[project.NoteID][]project.PhonemeTimingEdit, frameRate float64) error {
	indexInNote := 0
	for i := range timings {
		current := &timings[i]
		var prev, next *PhonemeTiming
		if i > 0 {
			prev = &timings[i-1]
		}
		if i < len(timings)-1 {
			next = &timings[i+1]
		}

		if prev == nil || current.NoteID != prev.NoteID {
			indexInNote = 0
		} else {
			indexInNote++
		}

		if current.Phoneme == pau {
			continue
		}
		if current.NoteID == "" {
			return ErrMissingNoteID
		}
		for _, e := range edits[current.NoteID] {
			switch {
			case e.PhonemeIndexInNote == indexInNote:
				current.StartFrame += secondToRoundedFrame(e.OffsetSeconds, frameRate)
				if prev != nil {
					prev.EndFrame = current.StartFrame
				}
			case e.PhonemeIndexInNote == indexInNote+1 && next != nil && next.Phoneme == pau:
				current.EndFrame += secondToRoundedFrame(e.OffsetSeconds, frameRate)
				next.StartFrame = current.EndFrame
			}
		}
	}
	return nil
}

// AdjustPhonemeTimings makes every phoneme at least one frame long, starts
// the leading pau at frame 0 and keeps the non-pause section within
// [minNonPauseStart, maxNonPauseEnd] where room allows. Either bound may be nil.
func AdjustPhonemeTimings(timings []PhonemeTiming, minNonPauseStart, maxNonPauseEnd *int) {
	last := len(timings) - 1
	for i := last; i >= 0; i-- {
		t := &timings[i]
		if i == last {
			if maxNonPauseEnd != nil && t.StartFrame > *maxNonPauseEnd {
				t.StartFrame = *maxNonPauseEnd
			}
			if t.EndFrame <= t.StartFrame {
				t.EndFrame = t.StartFrame + 1
			}
		}
		if t.StartFrame >= t.EndFrame {
			t.StartFrame = t.EndFrame - 1
		}
		if i > 0 {
			timings[i-1].EndFrame = t.StartFrame
		}
	}

	for i := range timings {
		t := &timings[i]
		if i == 0 {
			t.StartFrame = 0
			if minNonPauseStart != nil && t.EndFrame < *minNonPauseStart {
				t.EndFrame = *minNonPauseStart
			}
		}
		if t.StartFrame >= t.EndFrame {
			t.EndFrame = t.StartFrame + 1
		}
		if i < last {
			timings[i+1].StartFrame = t.EndFrame
		}
	}
}

// ResizeFrames returns values with length n, cut at the end or padded with
// the last value.
func ResizeFrames(values []float64, n int) []float64 {
	if len(values) >= n {
		return values[:n]
	}
	pad := 0.0
	if len(values) > 0 {
		pad = values[len(values)-1]
	}
	for len(values) < n {
		values = append(values, pad)
	}
	return values
}

// EditPhonemeTimings applies the user's phoneme timing edits and the
// non-pause bounds to q, resizing f0 and volume to the new frame count.
func EditPhonemeTimings(q *engine.FrameAudioQuery, edits map[project.NoteID][]project.PhonemeTimingEdit, minNonPauseStart, maxNonPauseEnd *int) error {
	timings := ToPhonemeTimings(q.Phonemes)
	if err := ApplyPhonemeTimingEdit(timings, edits, q.FrameRate); err != nil {
		return err
	}
	AdjustPhonemeTimings(timings, minNonPauseStart, maxNonPauseEnd)
	q.Phonemes = ToPhonemes(timings)
	n := q.FrameLength()
	q.F0 = ResizeFrames(q.F0, n)
	q.Volume = ResizeFrames(q.Volume, n)
	return nil
}
