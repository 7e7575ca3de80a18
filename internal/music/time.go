// Package music holds tick-based musical time helpers shared by the rendering pipeline.
package music

import "math"

const (
	DefaultTPQN = 480
	DefaultBPM  = 120
)

// Tempo is a tempo change at a tick position.
type Tempo struct {
	Position int64   `json:"position" yaml:"position"`
	BPM      float64 `json:"bpm" yaml:"bpm"`
}

// DefaultTempo returns a tempo of DefaultBPM at position.
func DefaultTempo(position int64) Tempo {
	return Tempo{Position: position, BPM: DefaultBPM}
}

func tickToSecondForConstantBPM(ticks float64, bpm float64, tpqn int) float64 {
	quarterNotesPerSecond := bpm / 60
	return ticks / float64(tpqn) / quarterNotesPerSecond
}

func secondToTickForConstantBPM(seconds float64, bpm float64, tpqn int) float64 {
	quarterNotesPerSecond := bpm / 60
	return seconds * quarterNotesPerSecond * float64(tpqn)
}

// TickToSecond converts a tick position to seconds using the tempo map.
// tempos must be non-empty and sorted by position with the first entry at 0;
// other inputs are not validated.
func TickToSecond(ticks float64, tempos []Tempo, tpqn int) float64 {
	timeOfTempo := 0.0
	tempo := tempos[len(tempos)-1]
	for i := 0; i < len(tempos)-1; i++ {
		if float64(tempos[i+1].Position) > ticks {
			tempo = tempos[i]
			break
		}
		timeOfTempo += tickToSecondForConstantBPM(
			float64(tempos[i+1].Position-tempos[i].Position),
			tempos[i].BPM,
			tpqn,
		)
	}
	return timeOfTempo + tickToSecondForConstantBPM(ticks-float64(tempo.Position), tempo.BPM, tpqn)
}

// SecondToTick is the inverse of TickToSecond. The result is fractional.
func SecondToTick(seconds float64, tempos []Tempo, tpqn int) float64 {
	timeOfTempo := 0.0
	tempo := tempos[len(tempos)-1]
	for i := 0; i < len(tempos)-1; i++ {
		timeOfNextTempo := timeOfTempo + tickToSecondForConstantBPM(
			float64(tempos[i+1].Position-tempos[i].Position),
			tempos[i].BPM,
			tpqn,
		)
		if timeOfNextTempo > seconds {
			tempo = tempos[i]
			break
		}
		timeOfTempo = timeOfNextTempo
	}
	return float64(tempo.Position) + secondToTickForConstantBPM(seconds-timeOfTempo, tempo.BPM, tpqn)
}

// NoteDuration returns the length in ticks of a 1/noteType note (4 = quarter note).
func NoteDuration(noteType int, tpqn int) int64 {
	return int64(tpqn*4) / int64(noteType)
}

// DecibelToLinear converts a gain in dB to a linear factor.
func DecibelToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// LinearInterpolation returns y on the line through (x1, y1) and (x2, y2) at x.
func LinearInterpolation(x1, y1, x2, y2, x float64) float64 {
	if x2 == x1 {
		return y1
	}
	return y1 + (y2-y1)*(x-x1)/(x2-x1)
}
