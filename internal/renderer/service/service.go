// Package service exposes the song track renderer on the bus. Render requests
// run one at a time; progress is mirrored to the bus and the event store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-sing/internal/bus"
	"github.com/loqalabs/loqa-sing/internal/config"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/eventstore"
	"github.com/loqalabs/loqa-sing/internal/export"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/protocol"
	"github.com/loqalabs/loqa-sing/internal/renderer"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrBusy            = errors.New("a render is already running")
	ErrNoProject       = errors.New("render request has neither project nor project_path")
	ErrUnknownRenderID = errors.New("render id does not match the running render")
	ErrInvalidRenderID = errors.New("render id must be a uuid or match [A-Za-z0-9_-]+")
)

// Status is the service state reported on the status endpoint.
type Status struct {
	Enabled   bool                `json:"enabled"`
	Rendering bool                `json:"rendering"`
	RenderID  string              `json:"render_id,omitempty"`
	Pending   int                 `json:"pending_phrases"`
	Playhead  int64               `json:"playhead"`
	Cache     renderer.CacheStats `json:"cache"`
}

type Service struct {
	cfg       config.ServiceConfig
	engineCfg config.EngineConfig
	rendering config.RenderingConfig
	bus       *bus.Client
	renderer  *renderer.SongTrackRenderer
	store     *eventstore.Store
	exporter  *export.Exporter
	meter     metric.Meter

	subs     []*nats.Subscription
	playhead atomic.Int64

	mu      sync.Mutex
	current string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, api engine.SongAPI, store *eventstore.Store, meter metric.Meter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg.Service,
		engineCfg: cfg.Engine,
		rendering: cfg.Rendering,
		bus:       busClient,
		store:     store,
		exporter:  export.New(cfg.Service.OutputDir, log),
		meter:     meter,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "render-service")),
	}
	s.renderer = renderer.New(renderer.Options{
		Config:           renderer.ConfigFrom(cfg.Rendering),
		API:              api,
		PlayheadPosition: s.playhead.Load,
		Logger:           log,
	})
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectRenderRequest, s.handleRender},
		{protocol.SubjectRenderInterrupt, s.handleInterrupt},
		{protocol.SubjectPlayhead, s.handlePlayhead},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 3 }

func (s *Service) Renderer() *renderer.SongTrackRenderer { return s.renderer }

func (s *Service) Status() Status {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return Status{
		Enabled:   s.cfg.Enabled,
		Rendering: s.renderer.IsRendering(),
		RenderID:  current,
		Pending:   s.renderer.PendingPhrases(),
		Playhead:  s.playhead.Load(),
		Cache:     s.renderer.CacheStats(),
	}
}

func (s *Service) handleRender(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		s.reply(msg, protocol.RenderAccepted{Error: err.Error()})
		return
	}
	if req.RenderID == "" {
		req.RenderID = uuid.NewString()
	}
	if !export.ValidRenderID(req.RenderID) {
		s.logger.Warn("rejected render request", slog.String("render_id", req.RenderID), slogError(ErrInvalidRenderID))
		s.reply(msg, protocol.RenderAccepted{Error: ErrInvalidRenderID.Error()})
		return
	}

	snap, name, err := s.loadProject(req)
	if err != nil {
		s.logger.Warn("rejected render request", slog.String("render_id", req.RenderID), slogError(err))
		s.reply(msg, protocol.RenderAccepted{RenderID: req.RenderID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	if s.current != "" {
		s.mu.Unlock()
		s.reply(msg, protocol.RenderAccepted{RenderID: req.RenderID, Error: ErrBusy.Error()})
		return
	}
	s.current = req.RenderID
	s.wg.Add(1)
	s.mu.Unlock()

	exportTracks := s.cfg.ExportTracks
	if req.Export != nil {
		exportTracks = *req.Export
	}
	s.reply(msg, protocol.RenderAccepted{RenderID: req.RenderID, Accepted: true})

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.current = ""
			s.mu.Unlock()
		}()
		s.run(req.RenderID, name, snap, exportTracks)
	}()
}

func (s *Service) loadProject(req protocol.RenderRequest) (*project.Snapshot, string, error) {
	var (
		proj *project.Project
		name string
		err  error
	)
	switch {
	case req.Project != nil:
		proj, name = req.Project, "inline"
	case req.ProjectPath != "":
		proj, err = project.LoadFile(req.ProjectPath)
		if err != nil {
			return nil, "", err
		}
		name = req.ProjectPath
	default:
		return nil, "", ErrNoProject
	}
	if err := proj.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid project: %w", err)
	}
	return proj.Snapshot(engine.FrameRates(s.engineCfg), s.rendering.EditorFrameRate), name, nil
}

func (s *Service) run(renderID, name string, snap *project.Snapshot, exportTracks bool) {
	log := s.logger.With(slog.String("render_id", renderID))
	if err := s.store.StartRun(s.ctx, renderID, name); err != nil {
		log.Warn("failed to record render run", slogError(err))
	}

	failed := 0
	listener := renderer.NewListener(func(e renderer.Event) {
		if progress := s.onEvent(renderID, e); progress.Error != "" {
			failed++
		}
	})
	if err := s.renderer.AddEventListener(listener); err != nil {
		log.Error("failed to register listener", slogError(err))
		return
	}
	defer func() {
		if err := s.renderer.RemoveEventListener(listener); err != nil {
			log.Warn("failed to remove listener", slogError(err))
		}
	}()

	started := time.Now()
	result, err := s.renderer.Render(s.ctx, snap)
	out := protocol.RenderResult{RenderID: renderID, Failed: failed}
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		log.Error("render failed", slogError(err))
	} else {
		out.Status = string(result.Status)
		out.Phrases = summarize(result.Phrases)
		log.Info("render finished",
			slog.String("status", out.Status),
			slog.Int("phrases", len(result.Phrases)),
			slog.Int("failed", failed),
			slog.Duration("elapsed", time.Since(started)))
		if exportTracks {
			paths, err := s.exporter.Tracks(renderID, snap, result.Phrases)
			if err != nil {
				log.Warn("track export failed", slogError(err))
				out.Error = err.Error()
			}
			out.Exports = paths
		}
	}
	out.Timestamp = time.Now().UTC()

	if err := s.bus.PublishJSON(protocol.SubjectRenderResult, out); err != nil {
		log.Warn("failed to publish render result", slogError(err))
	}
	if err := s.store.FinishRun(context.WithoutCancel(s.ctx), renderID, out.Status, out.Error); err != nil && !errors.Is(err, eventstore.ErrRunNotFound) {
		log.Warn("failed to finish render run", slogError(err))
	}
}

func (s *Service) onEvent(renderID string, e renderer.Event) protocol.RenderProgress {
	progress := progressOf(renderID, e)
	payload, err := json.Marshal(progress)
	if err != nil {
		s.logger.Warn("failed to encode progress", slogError(err))
		return progress
	}
	if s.cfg.PublishProgress {
		if err := s.bus.Conn().Publish(protocol.ProgressSubject(progress.Event), payload); err != nil {
			s.logger.Warn("failed to publish progress", slogError(err))
		}
	}
	evt := eventstore.Event{RunID: renderID, Type: progress.Event, PhraseKey: progress.PhraseKey, Payload: payload}
	if err := s.store.AppendEvent(context.WithoutCancel(s.ctx), evt); err != nil {
		s.logger.Warn("failed to record progress", slogError(err))
	}
	return progress
}

func progressOf(renderID string, e renderer.Event) protocol.RenderProgress {
	p := protocol.RenderProgress{
		RenderID:  renderID,
		Event:     renderer.EventType(e),
		Timestamp: time.Now().UTC(),
	}
	renderer.Dispatch(e, progressHandler{p: &p})
	return p
}

// progressHandler copies the fields of each event kind into a progress message.
type progressHandler struct {
	p *protocol.RenderProgress
}

func (h progressHandler) PhrasesGenerated(e renderer.PhrasesGenerated) {
	h.p.Phrases = len(e.Phrases)
}

func (h progressHandler) CacheLoaded(e renderer.CacheLoaded) {
	h.p.Phrases = len(e.Phrases)
}

func (h progressHandler) PhraseRenderingStarted(e renderer.PhraseRenderingStarted) {
	h.p.PhraseKey = string(e.PhraseKey)
}

func (h progressHandler) QueryGenerationComplete(e renderer.QueryGenerationComplete) {
	h.p.PhraseKey = string(e.PhraseKey)
}

func (h progressHandler) PitchGenerationComplete(e renderer.PitchGenerationComplete) {
	h.p.PhraseKey = string(e.PhraseKey)
}

func (h progressHandler) VolumeGenerationComplete(e renderer.VolumeGenerationComplete) {
	h.p.PhraseKey = string(e.PhraseKey)
}

func (h progressHandler) VoiceSynthesisComplete(e renderer.VoiceSynthesisComplete) {
	h.p.PhraseKey = string(e.PhraseKey)
}

func (h progressHandler) PhraseRenderingComplete(e renderer.PhraseRenderingComplete) {
	h.p.PhraseKey = string(e.PhraseKey)
	h.p.TrackID = string(e.Phrase.TrackID)
}

func (h progressHandler) PhraseRenderingError(e renderer.PhraseRenderingError) {
	h.p.PhraseKey = string(e.PhraseKey)
	h.p.Error = e.Err.Error()
}

func summarize(phrases map[phrase.Key]*renderer.Phrase) []protocol.PhraseSummary {
	out := make([]protocol.PhraseSummary, 0, len(phrases))
	for key, p := range phrases {
		out = append(out, protocol.PhraseSummary{
			Key:       string(key),
			TrackID:   string(p.TrackID),
			StartTime: p.StartTime,
			Rendered:  p.Rendered(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	var req protocol.InterruptRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode interrupt request", slogError(err))
			s.reply(msg, protocol.RenderAccepted{Error: err.Error()})
			return
		}
	}
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if req.RenderID != "" && req.RenderID != current {
		s.reply(msg, protocol.RenderAccepted{RenderID: req.RenderID, Error: ErrUnknownRenderID.Error()})
		return
	}
	if err := s.renderer.RequestRenderingInterruption(); err != nil {
		s.reply(msg, protocol.RenderAccepted{RenderID: current, Error: err.Error()})
		return
	}
	s.logger.Info("render interruption requested", slog.String("render_id", current))
	s.reply(msg, protocol.RenderAccepted{RenderID: current, Accepted: true})
}

func (s *Service) handlePlayhead(msg *nats.Msg) {
	var p protocol.Playhead
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		s.logger.Warn("failed to decode playhead", slogError(err))
		return
	}
	s.playhead.Store(p.Position)
}

func (s *Service) reply(msg *nats.Msg, v protocol.RenderAccepted) {
	if err := s.bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to reply", slogError(err))
	}
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	entries, err := s.meter.Int64ObservableGauge("loqa.sing.cache.entries", metric.WithDescription("Cached stage artifacts"))
	if err != nil {
		return err
	}
	pending, err := s.meter.Int64ObservableGauge("loqa.sing.render.pending", metric.WithDescription("Phrases waiting to be rendered"))
	if err != nil {
		return err
	}
	active, err := s.meter.Int64ObservableGauge("loqa.sing.render.active", metric.WithDescription("1 while a render is running"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		stats := s.renderer.CacheStats()
		for stage, n := range map[string]int{
			"query":  stats.Queries,
			"pitch":  stats.Pitches,
			"volume": stats.Volumes,
			"voice":  stats.Voices,
		} {
			obs.ObserveInt64(entries, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
		}
		obs.ObserveInt64(pending, int64(s.renderer.PendingPhrases()))
		var rendering int64
		if s.renderer.IsRendering() {
			rendering = 1
		}
		obs.ObserveInt64(active, rendering)
		return nil
	}, entries, pending, active)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
