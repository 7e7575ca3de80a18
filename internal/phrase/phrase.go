// Package phrase splits track notes into independently renderable phrases.
package phrase

import (
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-sing/internal/contenthash"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/project"
)

// ErrEmptyPhrase is returned when tick bounds are requested for a phrase without notes.
var ErrEmptyPhrase = errors.New("phrase has no notes")

// Key identifies a phrase by its content.
type Key string

// Phrase is a contiguous run of notes on one track.
type Phrase struct {
	Key               Key
	TrackID           project.TrackID
	Notes             []project.Note
	FirstRestDuration int64
	StartTime         float64

	// Frame bounds of the non-pause section, relative to the phrase start.
	// Nil when there is no neighbouring phrase or no known frame rate.
	MinNonPauseStartFrame *int
	MaxNonPauseEndFrame   *int
}

// StartTicks returns the position of the first note.
func (p *Phrase) StartTicks() (int64, error) {
	if len(p.Notes) == 0 {
		return 0, ErrEmptyPhrase
	}
	return p.Notes[0].Position, nil
}

// EndTicks returns the end of the last note.
func (p *Phrase) EndTicks() (int64, error) {
	if len(p.Notes) == 0 {
		return 0, ErrEmptyPhrase
	}
	return p.Notes[len(p.Notes)-1].End(), nil
}

// Range returns the tick range used for prioritisation.
func (p *Phrase) Range() (Range, error) {
	start, err := p.StartTicks()
	if err != nil {
		return Range{}, err
	}
	end, _ := p.EndTicks()
	return Range{StartTicks: start, EndTicks: end}, nil
}

type phraseSource struct {
	TrackID           project.TrackID `json:"trackId"`
	FirstRestDuration int64           `json:"firstRestDuration"`
	Notes             []project.Note  `json:"notes"`
	StartTime         float64         `json:"startTime"`
}

// CalculateKey hashes the timing-relevant content of a phrase.
func CalculateKey(trackID project.TrackID, firstRestDuration int64, notes []project.Note, startTime float64) (Key, error) {
	hash, err := contenthash.Of(phraseSource{
		TrackID:           trackID,
		FirstRestDuration: firstRestDuration,
		Notes:             notes,
		StartTime:         startTime,
	})
	if err != nil {
		return "", fmt.Errorf("hash phrase: %w", err)
	}
	return Key(hash), nil
}

// Generate builds the phrases of every track in the snapshot. Overlapping
// notes are left out. Tracks are processed in snapshot order.
func Generate(snap *project.Snapshot, firstRestMinDurationSeconds float64) (map[Key]*Phrase, error) {
	phrases := make(map[Key]*Phrase)
	for _, trackID := range snap.OrderedTrackIDs() {
		track := snap.Tracks[trackID]
		overlapping, ok := snap.TrackOverlappingNoteIDs[trackID]
		if !ok {
			return nil, fmt.Errorf("no overlapping note ids for track %q", trackID)
		}
		notes := make([]project.Note, 0, len(track.Notes))
		for _, note := range track.Notes {
			if _, skip := overlapping[note.ID]; !skip {
				notes = append(notes, note)
			}
		}

		trackPhrases, err := fromNotes(splitNotes(notes), trackID, snap, firstRestMinDurationSeconds)
		if err != nil {
			return nil, err
		}
		if track.Singer != nil {
			if frameRate, ok := snap.EngineFrameRates[track.Singer.EngineID]; ok && frameRate > 0 {
				assignFrameBounds(trackPhrases, snap, frameRate)
			}
		}
		for _, p := range trackPhrases {
			phrases[p.Key] = p
		}
	}
	return phrases, nil
}

// splitNotes cuts a sorted note list wherever a note does not end exactly
// where the next one starts.
func splitNotes(notes []project.Note) [][]project.Note {
	var (
		result  [][]project.Note
		current []project.Note
	)
	for i, note := range notes {
		current = append(current, note)
		if i == len(notes)-1 || note.End() != notes[i+1].Position {
			result = append(result, current)
			current = nil
		}
	}
	return result
}

func fromNotes(noteLists [][]project.Note, trackID project.TrackID, snap *project.Snapshot, firstRestMin float64) ([]*Phrase, error) {
	phrases := make([]*Phrase, 0, len(noteLists))
	for i, notes := range noteLists {
		var prevLast *project.Note
		if i > 0 {
			prev := noteLists[i-1]
			prevLast = &prev[len(prev)-1]
		}
		firstRest := FirstRestDuration(prevLast, notes[0], firstRestMin, snap.Tempos, snap.TPQN)
		startTime := StartTime(firstRest, notes, snap.Tempos, snap.TPQN)
		key, err := CalculateKey(trackID, firstRest, notes, startTime)
		if err != nil {
			return nil, err
		}
		phrases = append(phrases, &Phrase{
			Key:               key,
			TrackID:           trackID,
			Notes:             notes,
			FirstRestDuration: firstRest,
			StartTime:         startTime,
		})
	}
	return phrases, nil
}

// FirstRestDuration returns the length in ticks of the rest synthesized
// before the first note. It is at most a quarter note, at least
// firstRestMinSeconds long and at least one tick. The minimum is rounded up
// to whole ticks, so a phrase may start a fraction of a tick earlier than an
// exact conversion would place it.
func FirstRestDuration(prevLast *project.Note, first project.Note, firstRestMinSeconds float64, tempos []music.Tempo, tpqn int) int64 {
	quarter := music.NoteDuration(4, tpqn)

	var rest int64
	switch {
	case prevLast != nil:
		rest = first.Position - prevLast.End()
	case first.Position == 0:
		rest = quarter
	default:
		rest = first.Position
	}
	rest = min(rest, quarter)

	pos := float64(first.Position)
	minRest := pos - music.SecondToTick(music.TickToSecond(pos, tempos, tpqn)-firstRestMinSeconds, tempos, tpqn)
	rest = max(rest, int64(math.Ceil(minRest-1e-9)))
	return max(rest, 1)
}

// StartTime returns the phrase start in seconds, first rest included.
func StartTime(firstRestDuration int64, notes []project.Note, tempos []music.Tempo, tpqn int) float64 {
	return music.TickToSecond(float64(notes[0].Position-firstRestDuration), tempos, tpqn)
}
