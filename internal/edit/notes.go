// Package edit prepares engine requests and applies user edits to frame audio queries.
package edit

import (
	"errors"
	"math"

	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/project"
)

var (
	ErrNoLastPau          = errors.New("no pau exists at the end")
	ErrFrameRateMismatch  = errors.New("query frame rate does not match the editor frame rate")
	ErrFrameCountMismatch = errors.New("f0 length does not match phoneme frames")
	ErrMissingNoteID      = errors.New("non-pause phoneme has no note id")
)

const pau = "pau"

func secondToRoundedFrame(seconds, frameRate float64) int {
	return int(math.Round(seconds * frameRate))
}

// RequestNotes converts phrase notes into engine notes framed by a leading
// and trailing rest. Every entry is at least one frame long; a shortfall is
// taken from the following entry.
func RequestNotes(firstRestDuration int64, lastRestSeconds float64, notes []project.Note, tempos []music.Tempo, tpqn int, frameRate float64) []engine.Note {
	frameAt := func(ticks int64) int {
		return secondToRoundedFrame(music.TickToSecond(float64(ticks), tempos, tpqn), frameRate)
	}

	result := make([]engine.Note, 0, len(notes)+2)
	first := notes[0].Position
	result = append(result, engine.Note{FrameLength: frameAt(first) - frameAt(first-firstRestDuration)})
	for _, note := range notes {
		key := note.NoteNumber
		result = append(result, engine.Note{
			ID:          note.ID,
			Key:         &key,
			FrameLength: frameAt(note.End()) - frameAt(note.Position),
			Lyric:       note.Lyric,
		})
	}
	result = append(result, engine.Note{FrameLength: secondToRoundedFrame(lastRestSeconds, frameRate)})

	for i := range result {
		shift := max(0, 1-result[i].FrameLength)
		result[i].FrameLength += shift
		if i < len(result)-1 {
			result[i+1].FrameLength -= shift
		}
	}
	return result
}

// ShiftKeyOfNotes transposes every keyed note by shift semitones.
func ShiftKeyOfNotes(notes []engine.Note, shift int) {
	for i := range notes {
		if notes[i].Key != nil {
			k := *notes[i].Key + shift
			notes[i].Key = &k
		}
	}
}

// ShiftPitch scales f0 by shift semitones.
func ShiftPitch(f0 []float64, shift float64) {
	factor := math.Pow(2, shift/12)
	for i := range f0 {
		f0[i] *= factor
	}
}

// ShiftVolume scales volume by a gain in dB.
func ShiftVolume(volume []float64, db float64) {
	factor := music.DecibelToLinear(db)
	for i := range volume {
		volume[i] *= factor
	}
}

// MuteLastPauSection fades the volume out at the start of the trailing pau
// and silences the rest of it, so breath noise does not overlap the next
// phrase.
func MuteLastPauSection(volume []float64, phonemes []engine.FramePhoneme, frameRate, fadeOutSeconds float64) error {
	if len(phonemes) == 0 || phonemes[len(phonemes)-1].Phoneme != pau {
		return ErrNoLastPau
	}
	last := phonemes[len(phonemes)-1]
	start := 0
	for _, p := range phonemes[:len(phonemes)-1] {
		start += p.FrameLength
	}
	if start+last.FrameLength > len(volume) {
		return ErrFrameCountMismatch
	}

	fade := secondToRoundedFrame(fadeOutSeconds, frameRate)
	fade = min(max(0, fade), last.FrameLength)
	if fade == 1 {
		volume[start] *= 0.5
	} else {
		for i := 0; i < fade; i++ {
			volume[start+i] *= music.LinearInterpolation(0, 1, float64(fade-1), 0, float64(i))
		}
	}
	for i := fade; i < last.FrameLength; i++ {
		volume[start+i] = 0
	}
	return nil
}
