package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-sing/internal/project"
)

const (
	// MockFrameRate is the frame rate of the mock engine.
	MockFrameRate = 93.75
	// MockSamplingRate is the output sampling rate of mock synthesis.
	MockSamplingRate = 24000
)

var ErrUnknownLyric = errors.New("lyric cannot be converted to phonemes")

// Mock is a deterministic engine that needs no external process. Phoneme
// lengths, pitch and volume are derived from the phoneme names so repeated
// calls give identical results.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

// alphabetsToNumber maps a phoneme name to a stable value in [0, 1).
func alphabetsToNumber(text string) float64 {
	sum := 0
	for _, r := range text {
		sum += int(r)
	}
	return float64(sum%256) / 256
}

// consonantSeconds is between 0.01 and 0.25.
func consonantSeconds(phoneme string) float64 {
	return alphabetsToNumber(phoneme)*0.24 + 0.01
}

// mockPitch is the note frequency shifted by -30 to +30 cents.
func mockPitch(phoneme string, key int) float64 {
	base := 440 * math.Pow(2, float64(key-69)/12)
	shift := (-30 + 60*alphabetsToNumber(phoneme)) / 1200
	return base * math.Pow(2, shift)
}

func mockVolume(phoneme string) float64 {
	switch {
	case phoneme == "pau":
		return 0
	case IsUnvoiced(phoneme):
		return 0.2
	default:
		return 0.6 + 0.2*alphabetsToNumber(phoneme)
	}
}

// IsUnvoiced reports whether phoneme is sung without pitch.
func IsUnvoiced(phoneme string) bool {
	switch phoneme {
	case "pau", "cl", "ch", "f", "h", "k", "p", "s", "sh", "t", "ts":
		return true
	}
	return false
}

// mockFramePhonemes places the vowel of every note on the note start; consonants
// take frames from the end of the previous phoneme.
func mockFramePhonemes(notes []Note, frameRate float64) ([]FramePhoneme, error) {
	phonemes := make([]FramePhoneme, 0, len(notes)*2)
	for _, note := range notes {
		if note.Key == nil || note.Lyric == "" {
			phonemes = append(phonemes, FramePhoneme{Phoneme: "pau", FrameLength: note.FrameLength})
			continue
		}
		m, ok := lookupMora(note.Lyric)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLyric, note.Lyric)
		}
		if m.consonant != "" && len(phonemes) > 0 {
			prev := &phonemes[len(phonemes)-1]
			length := max(1, int(math.Round(consonantSeconds(m.consonant)*frameRate)))
			if prev.FrameLength <= length {
				length = prev.FrameLength / 2
			}
			if length > 0 {
				prev.FrameLength -= length
				phonemes = append(phonemes, FramePhoneme{Phoneme: m.consonant, FrameLength: length, NoteID: note.ID})
			}
		}
		phonemes = append(phonemes, FramePhoneme{Phoneme: m.vowel, FrameLength: note.FrameLength, NoteID: note.ID})
	}
	return phonemes, nil
}

func noteKeys(notes []Note) map[project.NoteID]int {
	keys := make(map[project.NoteID]int, len(notes))
	for _, n := range notes {
		if n.Key != nil && n.ID != "" {
			keys[n.ID] = *n.Key
		}
	}
	return keys
}

func mockF0(notes []Note, phonemes []FramePhoneme) []float64 {
	keys := noteKeys(notes)
	var f0 []float64
	for _, p := range phonemes {
		value := 0.0
		if key, ok := keys[p.NoteID]; ok && !IsUnvoiced(p.Phoneme) {
			value = mockPitch(p.Phoneme, key)
		}
		for i := 0; i < p.FrameLength; i++ {
			f0 = append(f0, value)
		}
	}
	return f0
}

func mockVolumes(phonemes []FramePhoneme) []float64 {
	var volume []float64
	for _, p := range phonemes {
		v := mockVolume(p.Phoneme)
		for i := 0; i < p.FrameLength; i++ {
			volume = append(volume, v)
		}
	}
	return volume
}

func (m *Mock) FetchFrameAudioQuery(ctx context.Context, _ project.EngineID, _ project.StyleID, engineFrameRate float64, notes []Note) (FrameAudioQuery, error) {
	if err := ctx.Err(); err != nil {
		return FrameAudioQuery{}, err
	}
	phonemes, err := mockFramePhonemes(notes, engineFrameRate)
	if err != nil {
		return FrameAudioQuery{}, err
	}
	return FrameAudioQuery{
		F0:                 mockF0(notes, phonemes),
		Volume:             mockVolumes(phonemes),
		Phonemes:           phonemes,
		VolumeScale:        1,
		OutputSamplingRate: MockSamplingRate,
		FrameRate:          engineFrameRate,
	}, nil
}

func (m *Mock) FetchSingFrameF0(ctx context.Context, notes []Note, query FrameAudioQuery, _ project.EngineID, _ project.StyleID) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNotes(notes); err != nil {
		return nil, err
	}
	return mockF0(notes, query.Phonemes), nil
}

func (m *Mock) FetchSingFrameVolume(ctx context.Context, notes []Note, query FrameAudioQuery, _ project.EngineID, _ project.StyleID) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkNotes(notes); err != nil {
		return nil, err
	}
	if len(query.F0) != query.FrameLength() {
		return nil, fmt.Errorf("f0 has %d frames, phonemes cover %d", len(query.F0), query.FrameLength())
	}
	volume := mockVolumes(query.Phonemes)
	for i := range volume {
		if query.F0[i] == 0 && volume[i] > 0.2 {
			volume[i] = 0.2
		}
	}
	return volume, nil
}

// FrameSynthesis renders a sine wave following f0 and volume.
func (m *Mock) FrameSynthesis(ctx context.Context, query FrameAudioQuery, _ project.EngineID, _ project.StyleID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := query.FrameLength()
	if len(query.F0) != frames || len(query.Volume) != frames {
		return nil, fmt.Errorf("query frames do not match: f0=%d volume=%d phonemes=%d", len(query.F0), len(query.Volume), frames)
	}
	frameRate := query.FrameRate
	if frameRate <= 0 {
		frameRate = MockFrameRate
	}
	sampleRate := query.OutputSamplingRate
	if sampleRate <= 0 {
		sampleRate = MockSamplingRate
	}
	scale := query.VolumeScale
	if scale == 0 {
		scale = 1
	}

	total := int(math.Round(float64(frames) * float64(sampleRate) / frameRate))
	samples := make([]float64, total)
	phase := 0.0
	for i := range samples {
		frame := min(frames-1, int(float64(i)*frameRate/float64(sampleRate)))
		samples[i] = 0.3 * scale * query.Volume[frame] * math.Sin(phase)
		phase += 2 * math.Pi * query.F0[frame] / float64(sampleRate)
	}
	return EncodeWAV(samples, sampleRate)
}

func checkNotes(notes []Note) error {
	for _, n := range notes {
		if n.Key == nil || n.Lyric == "" {
			continue
		}
		if _, ok := lookupMora(n.Lyric); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLyric, n.Lyric)
		}
	}
	return nil
}
