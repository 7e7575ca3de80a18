package engine

import (
	"context"

	"github.com/loqalabs/loqa-sing/internal/project"
)

// Note is a note or rest in an engine request. Rests have no key and an
// empty lyric.
type Note struct {
	ID          project.NoteID `json:"id,omitempty"`
	Key         *int           `json:"key,omitempty"`
	FrameLength int            `json:"frame_length"`
	Lyric       string         `json:"lyric"`
}

// Score wraps request notes the way the engine expects them.
type Score struct {
	Notes []Note `json:"notes"`
}

type FramePhoneme struct {
	Phoneme     string         `json:"phoneme"`
	FrameLength int            `json:"frame_length"`
	NoteID      project.NoteID `json:"note_id,omitempty"`
}

// FrameAudioQuery is the frame-level synthesis input returned by the engine.
// FrameRate is not part of the engine payload; it is filled in by the caller
// so that edits can check they work on the same time grid.
type FrameAudioQuery struct {
	F0                 []float64      `json:"f0"`
	Volume             []float64      `json:"volume"`
	Phonemes           []FramePhoneme `json:"phonemes"`
	VolumeScale        float64        `json:"volume_scale"`
	OutputSamplingRate int            `json:"output_sampling_rate"`
	OutputStereo       bool           `json:"output_stereo"`
	FrameRate          float64        `json:"frame_rate"`
}

// Clone returns a deep copy of q.
func (q FrameAudioQuery) Clone() FrameAudioQuery {
	c := q
	c.F0 = append([]float64(nil), q.F0...)
	c.Volume = append([]float64(nil), q.Volume...)
	c.Phonemes = append([]FramePhoneme(nil), q.Phonemes...)
	return c
}

// FrameLength returns the total number of frames covered by the phonemes.
func (q FrameAudioQuery) FrameLength() int {
	total := 0
	for _, p := range q.Phonemes {
		total += p.FrameLength
	}
	return total
}

// SongAPI is the singing synthesis engine surface used by the renderer.
type SongAPI interface {
	FetchFrameAudioQuery(ctx context.Context, engineID project.EngineID, styleID project.StyleID, engineFrameRate float64, notes []Note) (FrameAudioQuery, error)
	FetchSingFrameF0(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error)
	FetchSingFrameVolume(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error)
	FrameSynthesis(ctx context.Context, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]byte, error)
}
