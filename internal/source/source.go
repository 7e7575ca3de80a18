// Package source builds the inputs of each rendering stage. A source holds
// everything that affects a stage's output, so its content hash is the key
// under which the stage result is cached.
package source

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-sing/internal/contenthash"
	"github.com/loqalabs/loqa-sing/internal/edit"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
)

var (
	ErrMissingTrack     = errors.New("phrase track is not in the snapshot")
	ErrMissingSinger    = errors.New("track has no singer")
	ErrMissingFrameRate = errors.New("engine frame rate is unknown")
	ErrMissingQuery     = errors.New("phrase has no query")
	ErrMissingPitch     = errors.New("phrase has no singing pitch")
	ErrMissingVolume    = errors.New("phrase has no singing volume")
)

// IsInvariant reports whether err means the renderer reached a state that
// phrase generation should have ruled out.
func IsInvariant(err error) bool {
	for _, target := range []error{ErrMissingTrack, ErrMissingSinger, ErrMissingFrameRate, ErrMissingQuery, ErrMissingPitch, ErrMissingVolume} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type (
	QueryKey  string
	PitchKey  string
	VolumeKey string
	VoiceKey  string
)

type QuerySource struct {
	EngineID              project.EngineID `json:"engineId"`
	EngineFrameRate       float64          `json:"engineFrameRate"`
	TPQN                  int              `json:"tpqn"`
	Tempos                []music.Tempo    `json:"tempos"`
	FirstRestDuration     int64            `json:"firstRestDuration"`
	Notes                 []project.Note   `json:"notes"`
	KeyRangeAdjustment    int              `json:"keyRangeAdjustment"`
	MinNonPauseStartFrame *int             `json:"minNonPauseStartFrame,omitempty"`
	MaxNonPauseEndFrame   *int             `json:"maxNonPauseEndFrame,omitempty"`
}

type PitchSource struct {
	EngineID                project.EngineID       `json:"engineId"`
	EngineFrameRate         float64                `json:"engineFrameRate"`
	TPQN                    int                    `json:"tpqn"`
	Tempos                  []music.Tempo          `json:"tempos"`
	FirstRestDuration       int64                  `json:"firstRestDuration"`
	Notes                   []project.Note         `json:"notes"`
	KeyRangeAdjustment      int                    `json:"keyRangeAdjustment"`
	QueryForPitchGeneration engine.FrameAudioQuery `json:"queryForPitchGeneration"`
}

type VolumeSource struct {
	EngineID                 project.EngineID       `json:"engineId"`
	EngineFrameRate          float64                `json:"engineFrameRate"`
	TPQN                     int                    `json:"tpqn"`
	Tempos                   []music.Tempo          `json:"tempos"`
	FirstRestDuration        int64                  `json:"firstRestDuration"`
	Notes                    []project.Note         `json:"notes"`
	KeyRangeAdjustment       int                    `json:"keyRangeAdjustment"`
	VolumeRangeAdjustment    float64                `json:"volumeRangeAdjustment"`
	QueryForVolumeGeneration engine.FrameAudioQuery `json:"queryForVolumeGeneration"`
}

type VoiceSource struct {
	Singer                        project.Singer         `json:"singer"`
	QueryForSingingVoiceSynthesis engine.FrameAudioQuery `json:"queryForSingingVoiceSynthesis"`
}

func singerOf(p *phrase.Phrase, snap *project.Snapshot) (*project.Track, error) {
	track, ok := snap.Tracks[p.TrackID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTrack, p.TrackID)
	}
	if track.Singer == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingSinger, p.TrackID)
	}
	return track, nil
}

func BuildQuerySource(p *phrase.Phrase, snap *project.Snapshot) (QuerySource, error) {
	track, err := singerOf(p, snap)
	if err != nil {
		return QuerySource{}, err
	}
	frameRate, ok := snap.EngineFrameRates[track.Singer.EngineID]
	if !ok {
		return QuerySource{}, fmt.Errorf("%w: %s", ErrMissingFrameRate, track.Singer.EngineID)
	}
	return QuerySource{
		EngineID:              track.Singer.EngineID,
		EngineFrameRate:       frameRate,
		TPQN:                  snap.TPQN,
		Tempos:                snap.Tempos,
		FirstRestDuration:     p.FirstRestDuration,
		Notes:                 p.Notes,
		KeyRangeAdjustment:    track.KeyRangeAdjustment,
		MinNonPauseStartFrame: p.MinNonPauseStartFrame,
		MaxNonPauseEndFrame:   p.MaxNonPauseEndFrame,
	}, nil
}

// BuildPitchSource applies the track's phoneme timing edits to a copy of
// query.
func BuildPitchSource(p *phrase.Phrase, query *engine.FrameAudioQuery, snap *project.Snapshot) (PitchSource, error) {
	track, err := singerOf(p, snap)
	if err != nil {
		return PitchSource{}, err
	}
	if query == nil {
		return PitchSource{}, ErrMissingQuery
	}
	q, err := timedQuery(p, query, track)
	if err != nil {
		return PitchSource{}, err
	}
	return PitchSource{
		EngineID:                track.Singer.EngineID,
		EngineFrameRate:         query.FrameRate,
		TPQN:                    snap.TPQN,
		Tempos:                  snap.Tempos,
		FirstRestDuration:       p.FirstRestDuration,
		Notes:                   p.Notes,
		KeyRangeAdjustment:      track.KeyRangeAdjustment,
		QueryForPitchGeneration: q,
	}, nil
}

// BuildVolumeSource uses pitch as the query f0 with the user's pitch edits
// applied.
func BuildVolumeSource(p *phrase.Phrase, query *engine.FrameAudioQuery, pitch []float64, snap *project.Snapshot) (VolumeSource, error) {
	track, err := singerOf(p, snap)
	if err != nil {
		return VolumeSource{}, err
	}
	if query == nil {
		return VolumeSource{}, ErrMissingQuery
	}
	if pitch == nil {
		return VolumeSource{}, ErrMissingPitch
	}
	q, err := timedQuery(p, query, track)
	if err != nil {
		return VolumeSource{}, err
	}
	q.F0 = append([]float64(nil), pitch...)
	if err := edit.ApplyPitchEdit(&q, p.StartTime, track.PitchEditData, snap.EditorFrameRate); err != nil {
		return VolumeSource{}, fmt.Errorf("apply pitch edit: %w", err)
	}
	return VolumeSource{
		EngineID:                 track.Singer.EngineID,
		EngineFrameRate:          query.FrameRate,
		TPQN:                     snap.TPQN,
		Tempos:                   snap.Tempos,
		FirstRestDuration:        p.FirstRestDuration,
		Notes:                    p.Notes,
		KeyRangeAdjustment:       track.KeyRangeAdjustment,
		VolumeRangeAdjustment:    track.VolumeRangeAdjustment,
		QueryForVolumeGeneration: q,
	}, nil
}

// BuildVoiceSource assembles the final synthesis query from the rendered
// pitch and volume plus the user's pitch and volume edits.
func BuildVoiceSource(p *phrase.Phrase, query *engine.FrameAudioQuery, pitch, volume []float64, snap *project.Snapshot) (VoiceSource, error) {
	track, err := singerOf(p, snap)
	if err != nil {
		return VoiceSource{}, err
	}
	switch {
	case query == nil:
		return VoiceSource{}, ErrMissingQuery
	case pitch == nil:
		return VoiceSource{}, ErrMissingPitch
	case volume == nil:
		return VoiceSource{}, ErrMissingVolume
	}
	q, err := timedQuery(p, query, track)
	if err != nil {
		return VoiceSource{}, err
	}
	q.F0 = append([]float64(nil), pitch...)
	q.Volume = append([]float64(nil), volume...)
	if err := edit.ApplyPitchEdit(&q, p.StartTime, track.PitchEditData, snap.EditorFrameRate); err != nil {
		return VoiceSource{}, fmt.Errorf("apply pitch edit: %w", err)
	}
	if err := edit.ApplyVolumeEdit(&q, p.StartTime, track.VolumeEditData, snap.EditorFrameRate); err != nil {
		return VoiceSource{}, fmt.Errorf("apply volume edit: %w", err)
	}
	return VoiceSource{
		Singer:                        *track.Singer,
		QueryForSingingVoiceSynthesis: q,
	}, nil
}

func timedQuery(p *phrase.Phrase, query *engine.FrameAudioQuery, track *project.Track) (engine.FrameAudioQuery, error) {
	q := query.Clone()
	if err := edit.EditPhonemeTimings(&q, track.PhonemeTimingEditData, p.MinNonPauseStartFrame, p.MaxNonPauseEndFrame); err != nil {
		return engine.FrameAudioQuery{}, fmt.Errorf("apply phoneme timing edit: %w", err)
	}
	return q, nil
}

func (s QuerySource) Key() (QueryKey, error) {
	hash, err := contenthash.Of(s)
	return QueryKey(hash), err
}

func (s PitchSource) Key() (PitchKey, error) {
	hash, err := contenthash.Of(s)
	return PitchKey(hash), err
}

func (s VolumeSource) Key() (VolumeKey, error) {
	hash, err := contenthash.Of(s)
	return VolumeKey(hash), err
}

func (s VoiceSource) Key() (VoiceKey, error) {
	hash, err := contenthash.Of(s)
	return VoiceKey(hash), err
}
