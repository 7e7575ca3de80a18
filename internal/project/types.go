// Package project models the song data the renderer consumes.
package project

import (
	"github.com/loqalabs/loqa-sing/internal/music"
)

type (
	TrackID  string
	NoteID   string
	EngineID string
	StyleID  int
)

// ValueIndicatingNoData marks a pitch or volume edit frame without user data.
const ValueIndicatingNoData = -1

// Note is a single sung note. Position and Duration are ticks.
type Note struct {
	ID         NoteID `json:"id" yaml:"id"`
	Position   int64  `json:"position" yaml:"position"`
	Duration   int64  `json:"duration" yaml:"duration"`
	NoteNumber int    `json:"noteNumber" yaml:"note_number"`
	Lyric      string `json:"lyric" yaml:"lyric"`
}

// End returns the tick at which the note ends.
func (n Note) End() int64 {
	return n.Position + n.Duration
}

type Singer struct {
	EngineID EngineID `json:"engineId" yaml:"engine_id"`
	StyleID  StyleID  `json:"styleId" yaml:"style_id"`
}

// PhonemeTimingEdit shifts the start of the n-th phoneme of a note.
type PhonemeTimingEdit struct {
	PhonemeIndexInNote int     `json:"phonemeIndexInNote" yaml:"phoneme_index_in_note"`
	OffsetSeconds      float64 `json:"offsetSeconds" yaml:"offset_seconds"`
}

type Track struct {
	Name                  string                         `json:"name" yaml:"name"`
	Singer                *Singer                        `json:"singer,omitempty" yaml:"singer,omitempty"`
	KeyRangeAdjustment    int                            `json:"keyRangeAdjustment" yaml:"key_range_adjustment"`
	VolumeRangeAdjustment float64                        `json:"volumeRangeAdjustment" yaml:"volume_range_adjustment"`
	Notes                 []Note                         `json:"notes" yaml:"notes"`
	PitchEditData         []float64                      `json:"pitchEditData,omitempty" yaml:"pitch_edit_data,omitempty"`
	VolumeEditData        []float64                      `json:"volumeEditData,omitempty" yaml:"volume_edit_data,omitempty"`
	PhonemeTimingEditData map[NoteID][]PhonemeTimingEdit `json:"phonemeTimingEditData,omitempty" yaml:"phoneme_timing_edit_data,omitempty"`
	Mute                  bool                           `json:"mute" yaml:"mute"`
	Solo                  bool                           `json:"solo" yaml:"solo"`
}

// Snapshot is the read-only view of a project used for one render call.
type Snapshot struct {
	TPQN                    int
	Tempos                  []music.Tempo
	Tracks                  map[TrackID]*Track
	TrackOrder              []TrackID
	TrackOverlappingNoteIDs map[TrackID]map[NoteID]struct{}
	EngineFrameRates        map[EngineID]float64
	EditorFrameRate         float64
}

// OrderedTrackIDs returns TrackOrder when it covers every track, and
// otherwise the track ids sorted lexically.
func (s *Snapshot) OrderedTrackIDs() []TrackID {
	if len(s.TrackOrder) == len(s.Tracks) {
		return s.TrackOrder
	}
	return sortedTrackIDs(s.Tracks)
}

// ShouldPlayTracks returns the tracks audible under the mute/solo state: solo
// tracks when any exist, otherwise every unmuted track.
func ShouldPlayTracks(tracks map[TrackID]*Track) map[TrackID]struct{} {
	soloExists := false
	for _, track := range tracks {
		if track.Solo {
			soloExists = true
			break
		}
	}
	result := make(map[TrackID]struct{})
	for id, track := range tracks {
		if (soloExists && track.Solo) || (!soloExists && !track.Mute) {
			result[id] = struct{}{}
		}
	}
	return result
}
