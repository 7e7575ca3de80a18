package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sing/internal/bus"
	"github.com/loqalabs/loqa-sing/internal/config"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/eventstore"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/natsserver"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/protocol"
	"github.com/loqalabs/loqa-sing/internal/renderer"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	svc     *Service
	client  *bus.Client
	store   *eventstore.Store
	results chan *nats.Msg
}

func newHarness(t *testing.T, api engine.SongAPI) *harness {
	t.Helper()
	ctx := context.Background()
	log := newLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}, log)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Engine.EngineID = "mock"
	cfg.Engine.FrameRate = engine.MockFrameRate
	cfg.Rendering.EditorFrameRate = engine.MockFrameRate
	cfg.Rendering.SingingTeacherStyleID = 0
	cfg.Service.OutputDir = t.TempDir()

	results := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRenderResult, results)
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	svc := NewService(ctx, cfg, client, api, store, nil, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("expected service healthy after start")
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return &harness{svc: svc, client: client, store: store, results: results}
}

func (h *harness) request(t *testing.T, subject string, v any) protocol.RenderAccepted {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	msg, err := h.client.Conn().Request(subject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.RenderAccepted
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func (h *harness) result(t *testing.T) protocol.RenderResult {
	t.Helper()
	select {
	case msg := <-h.results:
		var res protocol.RenderResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		return res
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for render result")
	}
	return protocol.RenderResult{}
}

func songProject() *project.Project {
	note := func(id string, pos int64, key int, lyric string) project.Note {
		return project.Note{ID: project.NoteID(id), Position: pos, Duration: 480, NoteNumber: key, Lyric: lyric}
	}
	return &project.Project{
		TPQN:   480,
		Tempos: []music.Tempo{music.DefaultTempo(0)},
		Tracks: []project.TrackEntry{{
			ID: "lead",
			Track: project.Track{
				Name:   "Lead",
				Singer: &project.Singer{EngineID: "mock", StyleID: 1},
				Notes: []project.Note{
					note("a", 1920, 60, "て"),
					note("b", 2400, 62, "す"),
					note("c", 5760, 64, "と"),
				},
			},
		}},
	}
}

func TestRenderRequestPublishesResultAndExports(t *testing.T) {
	h := newHarness(t, engine.NewMock())

	progress := make(chan *nats.Msg, 64)
	sub, err := h.client.Conn().ChanSubscribe(protocol.SubjectRenderProgressPrefix+".>", progress)
	if err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	defer sub.Unsubscribe()

	reply := h.request(t, protocol.SubjectRenderRequest, protocol.RenderRequest{RenderID: "run-1", Project: songProject()})
	if !reply.Accepted || reply.RenderID != "run-1" {
		t.Fatalf("expected request accepted, got %+v", reply)
	}

	res := h.result(t)
	if res.RenderID != "run-1" || res.Status != "complete" || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Phrases) != 2 || !res.Phrases[0].Rendered || !res.Phrases[1].Rendered {
		t.Fatalf("expected two rendered phrases, got %+v", res.Phrases)
	}
	if len(res.Exports) != 1 {
		t.Fatalf("expected one exported track, got %v", res.Exports)
	}
	if _, err := os.Stat(res.Exports[0]); err != nil {
		t.Fatalf("export missing: %v", err)
	}

	select {
	case msg := <-progress:
		if msg.Subject != protocol.ProgressSubject("phrasesGenerated") {
			t.Fatalf("expected phrasesGenerated first, got %s", msg.Subject)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no progress published")
	}

	events, err := h.store.ListRunEvents(context.Background(), "run-1", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) < 2 || events[0].Type != "phrasesGenerated" || events[1].Type != "cacheLoaded" {
		t.Fatalf("unexpected recorded events %+v", events)
	}

	stats := h.svc.Status().Cache
	if stats.Voices != 2 {
		t.Fatalf("expected two cached voices, got %+v", stats)
	}
}

func TestRenderRequestWithoutProject(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	reply := h.request(t, protocol.SubjectRenderRequest, protocol.RenderRequest{})
	if reply.Accepted || reply.Error != ErrNoProject.Error() || reply.RenderID == "" {
		t.Fatalf("expected rejection with generated id, got %+v", reply)
	}
}

type blockingAPI struct {
	engine.SongAPI
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAPI) FetchFrameAudioQuery(ctx context.Context, engineID project.EngineID, styleID project.StyleID, frameRate float64, notes []engine.Note) (engine.FrameAudioQuery, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.SongAPI.FetchFrameAudioQuery(ctx, engineID, styleID, frameRate, notes)
}

func TestBusyAndInterrupt(t *testing.T) {
	api := &blockingAPI{SongAPI: engine.NewMock(), entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, api)
	noExport := false

	reply := h.request(t, protocol.SubjectRenderRequest, protocol.RenderRequest{RenderID: "first", Project: songProject(), Export: &noExport})
	if !reply.Accepted {
		t.Fatalf("expected first request accepted, got %+v", reply)
	}
	select {
	case <-api.entered:
	case <-time.After(5 * time.Second):
		close(api.release)
		t.Fatalf("render did not reach the engine")
	}

	busy := h.request(t, protocol.SubjectRenderRequest, protocol.RenderRequest{RenderID: "second", Project: songProject()})
	if busy.Accepted || busy.Error != ErrBusy.Error() {
		t.Fatalf("expected busy rejection, got %+v", busy)
	}
	if status := h.svc.Status(); !status.Rendering || status.RenderID != "first" {
		t.Fatalf("unexpected status %+v", status)
	}

	wrong := h.request(t, protocol.SubjectRenderInterrupt, protocol.InterruptRequest{RenderID: "other"})
	if wrong.Accepted || wrong.Error != ErrUnknownRenderID.Error() {
		t.Fatalf("expected unknown render id, got %+v", wrong)
	}
	interrupt := h.request(t, protocol.SubjectRenderInterrupt, protocol.InterruptRequest{RenderID: "first"})
	if !interrupt.Accepted {
		t.Fatalf("expected interrupt accepted, got %+v", interrupt)
	}
	close(api.release)

	res := h.result(t)
	if res.Status != "interrupted" || len(res.Exports) != 0 {
		t.Fatalf("expected interrupted render without exports, got %+v", res)
	}
	rendered := 0
	for _, p := range res.Phrases {
		if p.Rendered {
			rendered++
		}
	}
	if rendered != 1 {
		t.Fatalf("expected exactly one rendered phrase, got %d", rendered)
	}
}

func TestPlayheadUpdates(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	if err := h.client.PublishJSON(protocol.SubjectPlayhead, protocol.Playhead{Position: 960}); err != nil {
		t.Fatalf("publish playhead: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.svc.Status().Playhead != 960 {
		if time.Now().After(deadline) {
			t.Fatalf("playhead not updated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInterruptWhenIdle(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	reply := h.request(t, protocol.SubjectRenderInterrupt, protocol.InterruptRequest{})
	if reply.Accepted || reply.Error == "" {
		t.Fatalf("expected rejection while idle, got %+v", reply)
	}
}

func TestRenderRequestRejectsUnsafeID(t *testing.T) {
	h := newHarness(t, engine.NewMock())
	for _, id := range []string{"../../x", "a/b", ".."} {
		reply := h.request(t, protocol.SubjectRenderRequest, protocol.RenderRequest{RenderID: id, Project: songProject()})
		if reply.Accepted || reply.Error != ErrInvalidRenderID.Error() {
			t.Fatalf("expected %q rejected, got %+v", id, reply)
		}
	}
	if status := h.svc.Status(); status.Rendering || status.RenderID != "" {
		t.Fatalf("expected no render started, got %+v", status)
	}
	entries, err := os.ReadDir(h.svc.cfg.OutputDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty output dir, got %d entries", len(entries))
	}
}

func TestProgressOfEachEvent(t *testing.T) {
	key := phrase.Key("k1")
	phrases := map[phrase.Key]*renderer.Phrase{key: {}, "k2": {}}
	done := &renderer.Phrase{}
	done.TrackID = "lead"

	cases := []struct {
		event renderer.Event
		want  protocol.RenderProgress
	}{
		{renderer.PhrasesGenerated{Phrases: phrases}, protocol.RenderProgress{Event: "phrasesGenerated", Phrases: 2}},
		{renderer.CacheLoaded{Phrases: phrases}, protocol.RenderProgress{Event: "cacheLoaded", Phrases: 2}},
		{renderer.PhraseRenderingStarted{PhraseKey: key}, protocol.RenderProgress{Event: "phraseRenderingStarted", PhraseKey: "k1"}},
		{renderer.QueryGenerationComplete{PhraseKey: key}, protocol.RenderProgress{Event: "queryGenerationComplete", PhraseKey: "k1"}},
		{renderer.PitchGenerationComplete{PhraseKey: key}, protocol.RenderProgress{Event: "pitchGenerationComplete", PhraseKey: "k1"}},
		{renderer.VolumeGenerationComplete{PhraseKey: key}, protocol.RenderProgress{Event: "volumeGenerationComplete", PhraseKey: "k1"}},
		{renderer.VoiceSynthesisComplete{PhraseKey: key}, protocol.RenderProgress{Event: "voiceSynthesisComplete", PhraseKey: "k1"}},
		{renderer.PhraseRenderingComplete{PhraseKey: key, Phrase: done}, protocol.RenderProgress{Event: "phraseRenderingComplete", PhraseKey: "k1", TrackID: "lead"}},
		{renderer.PhraseRenderingError{PhraseKey: key, Err: errors.New("engine down")}, protocol.RenderProgress{Event: "phraseRenderingError", PhraseKey: "k1", Error: "engine down"}},
	}
	for _, tc := range cases {
		got := progressOf("run", tc.event)
		if got.Timestamp.IsZero() {
			t.Fatalf("%s: missing timestamp", tc.want.Event)
		}
		got.Timestamp = time.Time{}
		tc.want.RenderID = "run"
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.want.Event, tc.want, got)
		}
	}
}
