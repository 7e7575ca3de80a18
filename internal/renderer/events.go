package renderer

import (
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/source"
)

// Event is emitted to listeners while a render runs. The set of events is
// closed; use Dispatch with a Handler to consume every kind.
type Event interface {
	dispatch(Handler)
	eventType() string
}

type PhrasesGenerated struct {
	Phrases map[phrase.Key]*Phrase
}

type CacheLoaded struct {
	Phrases map[phrase.Key]*Phrase
}

type PhraseRenderingStarted struct {
	PhraseKey phrase.Key
}

type QueryGenerationComplete struct {
	PhraseKey phrase.Key
	QueryKey  source.QueryKey
	Query     *engine.FrameAudioQuery
}

type PitchGenerationComplete struct {
	PhraseKey phrase.Key
	PitchKey  source.PitchKey
	Pitch     []float64
}

type VolumeGenerationComplete struct {
	PhraseKey phrase.Key
	VolumeKey source.VolumeKey
	Volume    []float64
}

type VoiceSynthesisComplete struct {
	PhraseKey phrase.Key
	VoiceKey  source.VoiceKey
	Voice     []byte
}

type PhraseRenderingComplete struct {
	PhraseKey phrase.Key
	Phrase    *Phrase
}

type PhraseRenderingError struct {
	PhraseKey phrase.Key
	Err       error
}

// Handler receives each event kind. Adding an event kind adds a method here.
type Handler interface {
	PhrasesGenerated(PhrasesGenerated)
	CacheLoaded(CacheLoaded)
	PhraseRenderingStarted(PhraseRenderingStarted)
	QueryGenerationComplete(QueryGenerationComplete)
	PitchGenerationComplete(PitchGenerationComplete)
	VolumeGenerationComplete(VolumeGenerationComplete)
	VoiceSynthesisComplete(VoiceSynthesisComplete)
	PhraseRenderingComplete(PhraseRenderingComplete)
	PhraseRenderingError(PhraseRenderingError)
}

// Dispatch calls the method of h matching e.
func Dispatch(e Event, h Handler) {
	if e == nil {
		panic("renderer: dispatch of nil event")
	}
	e.dispatch(h)
}

// EventType returns the wire name of e.
func EventType(e Event) string {
	return e.eventType()
}

func (e PhrasesGenerated) dispatch(h Handler)         { h.PhrasesGenerated(e) }
func (e CacheLoaded) dispatch(h Handler)              { h.CacheLoaded(e) }
func (e PhraseRenderingStarted) dispatch(h Handler)   { h.PhraseRenderingStarted(e) }
func (e QueryGenerationComplete) dispatch(h Handler)  { h.QueryGenerationComplete(e) }
func (e PitchGenerationComplete) dispatch(h Handler)  { h.PitchGenerationComplete(e) }
func (e VolumeGenerationComplete) dispatch(h Handler) { h.VolumeGenerationComplete(e) }
func (e VoiceSynthesisComplete) dispatch(h Handler)   { h.VoiceSynthesisComplete(e) }
func (e PhraseRenderingComplete) dispatch(h Handler)  { h.PhraseRenderingComplete(e) }
func (e PhraseRenderingError) dispatch(h Handler)     { h.PhraseRenderingError(e) }

func (PhrasesGenerated) eventType() string         { return "phrasesGenerated" }
func (CacheLoaded) eventType() string              { return "cacheLoaded" }
func (PhraseRenderingStarted) eventType() string   { return "phraseRenderingStarted" }
func (QueryGenerationComplete) eventType() string  { return "queryGenerationComplete" }
func (PitchGenerationComplete) eventType() string  { return "pitchGenerationComplete" }
func (VolumeGenerationComplete) eventType() string { return "volumeGenerationComplete" }
func (VoiceSynthesisComplete) eventType() string   { return "voiceSynthesisComplete" }
func (PhraseRenderingComplete) eventType() string  { return "phraseRenderingComplete" }
func (PhraseRenderingError) eventType() string     { return "phraseRenderingError" }

// Listener is a registered event callback. Listeners are compared by handle.
type Listener struct {
	fn func(Event)
}

func NewListener(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// HandlerListener wraps a Handler in a Listener.
func HandlerListener(h Handler) *Listener {
	return NewListener(func(e Event) { Dispatch(e, h) })
}
