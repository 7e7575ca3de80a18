// Package renderer renders song tracks phrase by phrase. Each phrase goes
// through four stages (query, pitch, volume, voice); every stage result is
// cached under the hash of its inputs so unchanged phrases are never sent to
// the engine twice.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-sing/internal/cache"
	"github.com/loqalabs/loqa-sing/internal/config"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/source"
)

var (
	ErrRenderingInProgress       = errors.New("rendering is already in progress")
	ErrNotRendering              = errors.New("not rendering")
	ErrListenerAlreadyRegistered = errors.New("listener is already registered")
	ErrListenerNotRegistered     = errors.New("listener is not registered")
)

// UnreachableError reports a broken renderer invariant. It aborts Render.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return "unreachable: " + e.Err.Error()
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

type Config struct {
	SingingTeacherStyleID       project.StyleID
	FirstRestMinDurationSeconds float64
	LastRestDurationSeconds     float64
	FadeOutDurationSeconds      float64
}

func DefaultConfig() Config {
	return ConfigFrom(config.Default().Rendering)
}

func ConfigFrom(cfg config.RenderingConfig) Config {
	return Config{
		SingingTeacherStyleID:       project.StyleID(cfg.SingingTeacherStyleID),
		FirstRestMinDurationSeconds: cfg.FirstRestMinDurationSeconds,
		LastRestDurationSeconds:     cfg.LastRestDurationSeconds,
		FadeOutDurationSeconds:      cfg.FadeOutDurationSeconds,
	}
}

type Options struct {
	Config Config
	API    engine.SongAPI
	// PlayheadPosition returns the current playhead in ticks. Nil means 0.
	PlayheadPosition func() int64
	Logger           *slog.Logger
}

type Status string

const (
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

type Result struct {
	Status  Status
	Phrases map[phrase.Key]*Phrase
}

type CacheStats struct {
	Queries int `json:"queries"`
	Pitches int `json:"pitches"`
	Volumes int `json:"volumes"`
	Voices  int `json:"voices"`
}

// SongTrackRenderer owns the stage caches and runs one render at a time.
type SongTrackRenderer struct {
	cfg      Config
	api      engine.SongAPI
	playhead func() int64
	logger   *slog.Logger

	queryCache  *cache.Cache[source.QueryKey, engine.FrameAudioQuery]
	pitchCache  *cache.Cache[source.PitchKey, []float64]
	volumeCache *cache.Cache[source.VolumeKey, []float64]
	voiceCache  *cache.Cache[source.VoiceKey, []byte]

	mu                    sync.Mutex
	rendering             bool
	interruptionRequested bool
	pending               int
	listeners             []*Listener
}

func New(opts Options) *SongTrackRenderer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	playhead := opts.PlayheadPosition
	if playhead == nil {
		playhead = func() int64 { return 0 }
	}
	return &SongTrackRenderer{
		cfg:         opts.Config,
		api:         opts.API,
		playhead:    playhead,
		logger:      logger.With(slog.String("component", "renderer")),
		queryCache:  cache.New[source.QueryKey, engine.FrameAudioQuery](),
		pitchCache:  cache.New[source.PitchKey, []float64](),
		volumeCache: cache.New[source.VolumeKey, []float64](),
		voiceCache:  cache.New[source.VoiceKey, []byte](),
	}
}

func (r *SongTrackRenderer) IsRendering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendering
}

// PendingPhrases returns how many phrases the current render still has to pick.
func (r *SongTrackRenderer) PendingPhrases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *SongTrackRenderer) CacheStats() CacheStats {
	return CacheStats{
		Queries: r.queryCache.Len(),
		Pitches: r.pitchCache.Len(),
		Volumes: r.volumeCache.Len(),
		Voices:  r.voiceCache.Len(),
	}
}

// RequestRenderingInterruption asks the running render to stop before its
// next phrase.
func (r *SongTrackRenderer) RequestRenderingInterruption() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rendering {
		return ErrNotRendering
	}
	r.interruptionRequested = true
	return nil
}

func (r *SongTrackRenderer) AddEventListener(l *Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return ErrListenerAlreadyRegistered
		}
	}
	r.listeners = append(r.listeners, l)
	return nil
}

func (r *SongTrackRenderer) RemoveEventListener(l *Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return nil
		}
	}
	return ErrListenerNotRegistered
}

func (r *SongTrackRenderer) emit(e Event) {
	r.mu.Lock()
	listeners := append([]*Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.fn(e)
	}
}

func (r *SongTrackRenderer) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rendering {
		return ErrRenderingInProgress
	}
	r.rendering = true
	r.interruptionRequested = false
	return nil
}

func (r *SongTrackRenderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendering = false
	r.interruptionRequested = false
	r.pending = 0
}

func (r *SongTrackRenderer) shouldStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interruptionRequested
}

func (r *SongTrackRenderer) setPending(n int) {
	r.mu.Lock()
	r.pending = n
	r.mu.Unlock()
}

// Render renders every phrase of snap that has a singer. Phrases whose stages
// are all cached are returned without engine calls; the rest are rendered in
// playhead priority order until done or interrupted. A phrase that fails is
// reported with PhraseRenderingError and skipped.
func (r *SongTrackRenderer) Render(ctx context.Context, snap *project.Snapshot) (Result, error) {
	if err := r.begin(); err != nil {
		return Result{}, err
	}
	defer r.finish()

	generated, err := phrase.Generate(snap, r.cfg.FirstRestMinDurationSeconds)
	if err != nil {
		return Result{}, fmt.Errorf("generate phrases: %w", err)
	}
	phrases := make(map[phrase.Key]*Phrase, len(generated))
	for key, p := range generated {
		phrases[key] = &Phrase{Phrase: *p}
	}
	r.emit(PhrasesGenerated{Phrases: clonePhrases(phrases)})

	renderable := renderablePhrases(phrases, snap)
	loaded := 0
	for _, p := range renderable {
		if err := r.loadFromCache(p, snap); err != nil {
			return Result{}, err
		}
		if p.Rendered() {
			loaded++
		}
	}
	r.logger.Info("loaded phrases from cache", slog.Int("phrases", len(phrases)), slog.Int("renderable", len(renderable)), slog.Int("cached", loaded))
	r.emit(CacheLoaded{Phrases: clonePhrases(phrases)})

	pending := make(map[phrase.Key]phrase.Range)
	for _, p := range renderable {
		if p.Rendered() {
			continue
		}
		rng, err := p.Range()
		if err != nil {
			return Result{}, &UnreachableError{Err: err}
		}
		pending[p.Key] = rng
	}

	status := StatusComplete
	for len(pending) > 0 {
		r.setPending(len(pending))
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if r.shouldStop() {
			status = StatusInterrupted
			r.logger.Info("rendering interrupted", slog.Int("pending", len(pending)))
			break
		}

		key, err := phrase.SelectPrior(pending, r.playhead())
		if err != nil {
			return Result{}, &UnreachableError{Err: err}
		}
		delete(pending, key)
		p := phrases[key]

		r.emit(PhraseRenderingStarted{PhraseKey: key})
		if err := r.renderPhrase(ctx, p, snap); err != nil {
			var unreachable *UnreachableError
			if errors.As(err, &unreachable) {
				return Result{}, err
			}
			r.logger.Warn("phrase rendering failed", slog.String("phrase", shortKey(key)), slogError(err))
			r.emit(PhraseRenderingError{PhraseKey: key, Err: err})
			continue
		}
		r.emit(PhraseRenderingComplete{PhraseKey: key, Phrase: p.Clone()})
	}

	return Result{Status: status, Phrases: phrases}, nil
}

func renderablePhrases(phrases map[phrase.Key]*Phrase, snap *project.Snapshot) []*Phrase {
	var result []*Phrase
	for _, p := range phrases {
		track, ok := snap.Tracks[p.TrackID]
		if ok && track.Singer != nil {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime != result[j].StartTime {
			return result[i].StartTime < result[j].StartTime
		}
		return result[i].Key < result[j].Key
	})
	return result
}

// loadFromCache attaches cached artifacts stage by stage and stops at the
// first miss. A source that cannot be built or hashed counts as a miss; the
// render loop reports it for the phrase. Only invariant failures are returned.
func (r *SongTrackRenderer) loadFromCache(p *Phrase, snap *project.Snapshot) error {
	qs, err := source.BuildQuerySource(&p.Phrase, snap)
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	queryKey, err := qs.Key()
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	query, ok := r.queryCache.Get(queryKey)
	if !ok {
		return nil
	}
	p.QueryKey, p.Query = queryKey, &query

	ps, err := source.BuildPitchSource(&p.Phrase, p.Query, snap)
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	pitchKey, err := ps.Key()
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	pitch, ok := r.pitchCache.Get(pitchKey)
	if !ok {
		return nil
	}
	p.PitchKey, p.Pitch = pitchKey, pitch

	vs, err := source.BuildVolumeSource(&p.Phrase, p.Query, p.Pitch, snap)
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	volumeKey, err := vs.Key()
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	volume, ok := r.volumeCache.Get(volumeKey)
	if !ok {
		return nil
	}
	p.VolumeKey, p.Volume = volumeKey, volume

	voice, err := source.BuildVoiceSource(&p.Phrase, p.Query, p.Pitch, p.Volume, snap)
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	voiceKey, err := voice.Key()
	if err != nil {
		return ignoreUnlessInvariant(err)
	}
	wav, ok := r.voiceCache.Get(voiceKey)
	if !ok {
		return nil
	}
	p.VoiceKey, p.Voice = voiceKey, wav
	return nil
}

// renderPhrase runs the stages that are not cached yet.
func (r *SongTrackRenderer) renderPhrase(ctx context.Context, p *Phrase, snap *project.Snapshot) error {
	log := r.logger.With(slog.String("phrase", shortKey(p.Key)))

	if p.QueryKey == "" {
		qs, err := source.BuildQuerySource(&p.Phrase, snap)
		if err != nil {
			return classify(err)
		}
		key, err := qs.Key()
		if err != nil {
			return err
		}
		query, ok := r.queryCache.Get(key)
		if ok {
			log.Debug("loaded query from cache")
		} else {
			query, err = r.generateQuery(ctx, qs)
			if err != nil {
				return fmt.Errorf("generate query: %w", err)
			}
			r.queryCache.Set(key, query)
			log.Debug("generated query", slog.Int("frames", query.FrameLength()))
		}
		p.QueryKey, p.Query = key, &query
		r.emit(QueryGenerationComplete{PhraseKey: p.Key, QueryKey: key, Query: p.Query})
	}

	if p.PitchKey == "" {
		ps, err := source.BuildPitchSource(&p.Phrase, p.Query, snap)
		if err != nil {
			return classify(err)
		}
		key, err := ps.Key()
		if err != nil {
			return err
		}
		pitch, ok := r.pitchCache.Get(key)
		if ok {
			log.Debug("loaded singing pitch from cache")
		} else {
			pitch, err = r.generatePitch(ctx, ps)
			if err != nil {
				return fmt.Errorf("generate singing pitch: %w", err)
			}
			r.pitchCache.Set(key, pitch)
			log.Debug("generated singing pitch")
		}
		p.PitchKey, p.Pitch = key, pitch
		r.emit(PitchGenerationComplete{PhraseKey: p.Key, PitchKey: key, Pitch: pitch})
	}

	if p.VolumeKey == "" {
		vs, err := source.BuildVolumeSource(&p.Phrase, p.Query, p.Pitch, snap)
		if err != nil {
			return classify(err)
		}
		key, err := vs.Key()
		if err != nil {
			return err
		}
		volume, ok := r.volumeCache.Get(key)
		if ok {
			log.Debug("loaded singing volume from cache")
		} else {
			volume, err = r.generateVolume(ctx, vs)
			if err != nil {
				return fmt.Errorf("generate singing volume: %w", err)
			}
			r.volumeCache.Set(key, volume)
			log.Debug("generated singing volume")
		}
		p.VolumeKey, p.Volume = key, volume
		r.emit(VolumeGenerationComplete{PhraseKey: p.Key, VolumeKey: key, Volume: volume})
	}

	if p.VoiceKey == "" {
		vs, err := source.BuildVoiceSource(&p.Phrase, p.Query, p.Pitch, p.Volume, snap)
		if err != nil {
			return classify(err)
		}
		key, err := vs.Key()
		if err != nil {
			return err
		}
		voice, ok := r.voiceCache.Get(key)
		if ok {
			log.Debug("loaded singing voice from cache")
		} else {
			voice, err = r.synthesizeVoice(ctx, vs)
			if err != nil {
				return fmt.Errorf("synthesize singing voice: %w", err)
			}
			r.voiceCache.Set(key, voice)
			log.Debug("synthesized singing voice", slog.Int("bytes", len(voice)))
		}
		p.VoiceKey, p.Voice = key, voice
		r.emit(VoiceSynthesisComplete{PhraseKey: p.Key, VoiceKey: key, Voice: voice})
	}
	return nil
}

func classify(err error) error {
	if source.IsInvariant(err) {
		return &UnreachableError{Err: err}
	}
	return err
}

func ignoreUnlessInvariant(err error) error {
	if source.IsInvariant(err) {
		return &UnreachableError{Err: err}
	}
	return nil
}

func shortKey(key phrase.Key) string {
	if len(key) > 12 {
		return string(key[:12])
	}
	return string(key)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
