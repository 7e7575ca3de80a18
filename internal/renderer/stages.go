package renderer

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-sing/internal/edit"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/source"
)

func (r *SongTrackRenderer) requestNotes(firstRest int64, phraseNotes []project.Note, tempos []music.Tempo, tpqn int, frameRate float64, keyRangeAdjustment int) []engine.Note {
	notes := edit.RequestNotes(firstRest, r.cfg.LastRestDurationSeconds, phraseNotes, tempos, tpqn, frameRate)
	edit.ShiftKeyOfNotes(notes, -keyRangeAdjustment)
	return notes
}

// generateQuery asks the singing teacher style for phonemes and a base f0.
// The engine sees notes transposed into the singer's range; f0 is shifted
// back afterwards.
func (r *SongTrackRenderer) generateQuery(ctx context.Context, qs source.QuerySource) (engine.FrameAudioQuery, error) {
	notes := r.requestNotes(qs.FirstRestDuration, qs.Notes, qs.Tempos, qs.TPQN, qs.EngineFrameRate, qs.KeyRangeAdjustment)
	query, err := r.api.FetchFrameAudioQuery(ctx, qs.EngineID, r.cfg.SingingTeacherStyleID, qs.EngineFrameRate, notes)
	if err != nil {
		return engine.FrameAudioQuery{}, err
	}
	query.FrameRate = qs.EngineFrameRate
	edit.ShiftPitch(query.F0, float64(qs.KeyRangeAdjustment))
	if err := edit.EditPhonemeTimings(&query, nil, qs.MinNonPauseStartFrame, qs.MaxNonPauseEndFrame); err != nil {
		return engine.FrameAudioQuery{}, fmt.Errorf("adjust phoneme timings: %w", err)
	}
	return query, nil
}

func (r *SongTrackRenderer) generatePitch(ctx context.Context, ps source.PitchSource) ([]float64, error) {
	notes := r.requestNotes(ps.FirstRestDuration, ps.Notes, ps.Tempos, ps.TPQN, ps.EngineFrameRate, ps.KeyRangeAdjustment)
	query := ps.QueryForPitchGeneration.Clone()
	edit.ShiftPitch(query.F0, -float64(ps.KeyRangeAdjustment))

	f0, err := r.api.FetchSingFrameF0(ctx, notes, query, ps.EngineID, r.cfg.SingingTeacherStyleID)
	if err != nil {
		return nil, err
	}
	if len(f0) != query.FrameLength() {
		return nil, fmt.Errorf("engine returned %d f0 frames for %d query frames", len(f0), query.FrameLength())
	}
	edit.ShiftPitch(f0, float64(ps.KeyRangeAdjustment))
	return f0, nil
}

func (r *SongTrackRenderer) generateVolume(ctx context.Context, vs source.VolumeSource) ([]float64, error) {
	notes := r.requestNotes(vs.FirstRestDuration, vs.Notes, vs.Tempos, vs.TPQN, vs.EngineFrameRate, vs.KeyRangeAdjustment)
	query := vs.QueryForVolumeGeneration.Clone()
	edit.ShiftPitch(query.F0, -float64(vs.KeyRangeAdjustment))

	volume, err := r.api.FetchSingFrameVolume(ctx, notes, query, vs.EngineID, r.cfg.SingingTeacherStyleID)
	if err != nil {
		return nil, err
	}
	edit.ShiftVolume(volume, vs.VolumeRangeAdjustment)
	if err := edit.MuteLastPauSection(volume, query.Phonemes, vs.EngineFrameRate, r.cfg.FadeOutDurationSeconds); err != nil {
		return nil, fmt.Errorf("mute last pau: %w", err)
	}
	return volume, nil
}

func (r *SongTrackRenderer) synthesizeVoice(ctx context.Context, vs source.VoiceSource) ([]byte, error) {
	return r.api.FrameSynthesis(ctx, vs.QueryForSingingVoiceSynthesis, vs.Singer.EngineID, vs.Singer.StyleID)
}
