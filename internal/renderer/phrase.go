package renderer

import (
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/source"
)

// Phrase is a phrase together with the stage artifacts rendered for it so
// far. A stage is done when its key is set. Artifacts are shared with the
// renderer caches and must be treated as read-only.
type Phrase struct {
	phrase.Phrase

	QueryKey source.QueryKey
	Query    *engine.FrameAudioQuery

	PitchKey source.PitchKey
	Pitch    []float64

	VolumeKey source.VolumeKey
	Volume    []float64

	VoiceKey source.VoiceKey
	Voice    []byte
}

// Rendered reports whether every stage has an artifact.
func (p *Phrase) Rendered() bool {
	return p.QueryKey != "" && p.PitchKey != "" && p.VolumeKey != "" && p.VoiceKey != ""
}

// Clone copies the phrase. Artifacts are shared.
func (p *Phrase) Clone() *Phrase {
	c := *p
	c.Notes = append(c.Notes[:0:0], p.Notes...)
	return &c
}

func clonePhrases(phrases map[phrase.Key]*Phrase) map[phrase.Key]*Phrase {
	out := make(map[phrase.Key]*Phrase, len(phrases))
	for k, p := range phrases {
		out[k] = p.Clone()
	}
	return out
}
