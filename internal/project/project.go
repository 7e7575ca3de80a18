package project

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/loqalabs/loqa-sing/internal/music"
)

var (
	ErrNoTempo       = errors.New("project has no tempo")
	ErrInvalidTempos = errors.New("tempos must start at position 0 and be strictly ascending")

	ErrInvalidPitchEdit  = errors.New("pitch edit must be a positive frequency or -1")
	ErrInvalidVolumeEdit = errors.New("volume edit must be non-negative or -1")
)

// Project is a loaded song file.
type Project struct {
	TPQN   int           `json:"tpqn" yaml:"tpqn"`
	Tempos []music.Tempo `json:"tempos" yaml:"tempos"`
	Tracks []TrackEntry  `json:"tracks" yaml:"tracks"`
}

// TrackEntry keeps the file order of tracks.
type TrackEntry struct {
	ID    TrackID `json:"id" yaml:"id"`
	Track `yaml:",inline"`
}

// Validate checks the structural invariants the renderer relies on.
func (p *Project) Validate() error {
	if p.TPQN <= 0 {
		return fmt.Errorf("tpqn must be positive, got %d", p.TPQN)
	}
	if len(p.Tempos) == 0 {
		return ErrNoTempo
	}
	if p.Tempos[0].Position != 0 {
		return ErrInvalidTempos
	}
	for i := 1; i < len(p.Tempos); i++ {
		if p.Tempos[i].Position <= p.Tempos[i-1].Position {
			return ErrInvalidTempos
		}
	}
	for _, tempo := range p.Tempos {
		if tempo.BPM <= 0 {
			return fmt.Errorf("tempo at %d has non-positive bpm", tempo.Position)
		}
	}
	seen := make(map[TrackID]struct{})
	for _, entry := range p.Tracks {
		if entry.ID == "" {
			return errors.New("track id must not be empty")
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("duplicate track id %q", entry.ID)
		}
		seen[entry.ID] = struct{}{}
		for _, note := range entry.Notes {
			if note.Position < 0 || note.Duration < 1 {
				return fmt.Errorf("track %q: note %q has invalid timing", entry.ID, note.ID)
			}
			if note.NoteNumber < 0 || note.NoteNumber > 127 {
				return fmt.Errorf("track %q: note %q has out of range note number %d", entry.ID, note.ID, note.NoteNumber)
			}
		}
		if i, ok := invalidEditValue(entry.PitchEditData, func(v float64) bool { return v > 0 }); ok {
			return fmt.Errorf("track %q: %w at frame %d", entry.ID, ErrInvalidPitchEdit, i)
		}
		if i, ok := invalidEditValue(entry.VolumeEditData, func(v float64) bool { return v >= 0 }); ok {
			return fmt.Errorf("track %q: %w at frame %d", entry.ID, ErrInvalidVolumeEdit, i)
		}
	}
	return nil
}

// invalidEditValue returns the first frame that is neither ValueIndicatingNoData
// nor accepted by valid.
func invalidEditValue(data []float64, valid func(float64) bool) (int, bool) {
	for i, v := range data {
		if v == ValueIndicatingNoData {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || !valid(v) {
			return i, true
		}
	}
	return 0, false
}

// Snapshot builds the render snapshot. Notes are sorted by position and the
// overlap sets are computed per track.
func (p *Project) Snapshot(engineFrameRates map[EngineID]float64, editorFrameRate float64) *Snapshot {
	snap := &Snapshot{
		TPQN:                    p.TPQN,
		Tempos:                  append([]music.Tempo(nil), p.Tempos...),
		Tracks:                  make(map[TrackID]*Track, len(p.Tracks)),
		TrackOverlappingNoteIDs: make(map[TrackID]map[NoteID]struct{}, len(p.Tracks)),
		EngineFrameRates:        engineFrameRates,
		EditorFrameRate:         editorFrameRate,
	}
	for _, entry := range p.Tracks {
		track := entry.Track
		track.Notes = append([]Note(nil), entry.Notes...)
		sort.SliceStable(track.Notes, func(i, j int) bool {
			return track.Notes[i].Position < track.Notes[j].Position
		})
		snap.Tracks[entry.ID] = &track
		snap.TrackOrder = append(snap.TrackOrder, entry.ID)
		snap.TrackOverlappingNoteIDs[entry.ID] = OverlappingNoteIDs(track.Notes)
	}
	return snap
}

// OverlappingNoteIDs returns the ids of notes that overlap another note in time.
func OverlappingNoteIDs(notes []Note) map[NoteID]struct{} {
	sorted := append([]Note(nil), notes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	overlapping := make(map[NoteID]struct{})
	var active []Note
	for _, note := range sorted {
		kept := active[:0]
		for _, a := range active {
			if a.End() > note.Position {
				kept = append(kept, a)
			}
		}
		active = kept
		for _, a := range active {
			overlapping[a.ID] = struct{}{}
			overlapping[note.ID] = struct{}{}
		}
		active = append(active, note)
	}
	return overlapping
}

func sortedTrackIDs(tracks map[TrackID]*Track) []TrackID {
	ids := make([]TrackID, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
