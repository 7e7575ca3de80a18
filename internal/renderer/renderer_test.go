package renderer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/music"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
)

type spyAPI struct {
	next  engine.SongAPI
	mu    sync.Mutex
	calls map[string]int
}

func newSpy() *spyAPI {
	return &spyAPI{next: engine.NewMock(), calls: make(map[string]int)}
}

func (s *spyAPI) count(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *spyAPI) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.calls))
	for k, v := range s.calls {
		out[k] = v
	}
	return out
}

func (s *spyAPI) reset() {
	s.mu.Lock()
	s.calls = make(map[string]int)
	s.mu.Unlock()
}

func (s *spyAPI) FetchFrameAudioQuery(ctx context.Context, engineID project.EngineID, styleID project.StyleID, frameRate float64, notes []engine.Note) (engine.FrameAudioQuery, error) {
	s.count(engine.OpFrameAudioQuery)
	return s.next.FetchFrameAudioQuery(ctx, engineID, styleID, frameRate, notes)
}

func (s *spyAPI) FetchSingFrameF0(ctx context.Context, notes []engine.Note, q engine.FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	s.count(engine.OpSingFrameF0)
	return s.next.FetchSingFrameF0(ctx, notes, q, engineID, styleID)
}

func (s *spyAPI) FetchSingFrameVolume(ctx context.Context, notes []engine.Note, q engine.FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	s.count(engine.OpSingFrameVolume)
	return s.next.FetchSingFrameVolume(ctx, notes, q, engineID, styleID)
}

func (s *spyAPI) FrameSynthesis(ctx context.Context, q engine.FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]byte, error) {
	s.count(engine.OpFrameSynthesis)
	return s.next.FrameSynthesis(ctx, q, engineID, styleID)
}

type lyricNote struct {
	lyric string
	key   int
}

// phraseNotes lays out quarter notes starting at start.
func phraseNotes(prefix string, start int64, notes ...lyricNote) []project.Note {
	out := make([]project.Note, 0, len(notes))
	for i, n := range notes {
		out = append(out, project.Note{
			ID:         project.NoteID(prefix + "-" + string(rune('a'+i))),
			Position:   start + int64(i)*480,
			Duration:   480,
			NoteNumber: n.key,
			Lyric:      n.lyric,
		})
	}
	return out
}

var patterns = [][]lyricNote{
	{{"て", 60}, {"す", 62}, {"と", 64}},
	{{"い", 60}, {"ち", 60}},
	{{"に", 62}},
	{{"さ", 64}, {"ん", 64}},
	{{"し", 65}},
	{{"ご", 67}},
	{{"ろ", 69}, {"く", 69}},
}

// phraseStart is the first tick of the i-th test phrase. Phrases are one bar
// apart so consecutive patterns are separated by rests.
func phraseStart(i int) int64 {
	return 1920 * int64(i+1)
}

func trackWith(phrases ...[]lyricNote) project.Track {
	var notes []project.Note
	for i, p := range phrases {
		notes = append(notes, phraseNotes(string(rune('A'+i)), phraseStart(i), p...)...)
	}
	return project.Track{
		Singer: &project.Singer{EngineID: "mock", StyleID: 1},
		Notes:  notes,
	}
}

func newProject(tracks ...project.Track) *project.Project {
	p := &project.Project{TPQN: 480, Tempos: []music.Tempo{music.DefaultTempo(0)}}
	for i, t := range tracks {
		p.Tracks = append(p.Tracks, project.TrackEntry{ID: project.TrackID("track-" + string(rune('1'+i))), Track: t})
	}
	return p
}

func snapshotOf(p *project.Project) *project.Snapshot {
	return p.Snapshot(map[project.EngineID]float64{"mock": engine.MockFrameRate}, engine.MockFrameRate)
}

func testConfig() Config {
	return Config{
		SingingTeacherStyleID:       0,
		FirstRestMinDurationSeconds: 0.12,
		LastRestDurationSeconds:     0.5,
		FadeOutDurationSeconds:      0.15,
	}
}

func newRenderer(api engine.SongAPI, playhead func() int64) *SongTrackRenderer {
	return New(Options{
		Config:           testConfig(),
		API:              api,
		PlayheadPosition: playhead,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

type eventLog struct {
	events []Event
}

func record(t *testing.T, r *SongTrackRenderer) *eventLog {
	t.Helper()
	log := &eventLog{}
	if err := r.AddEventListener(NewListener(func(e Event) { log.events = append(log.events, e) })); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	return log
}

func (l *eventLog) types() []string {
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, EventType(e))
	}
	return out
}

func (l *eventLog) started() []phrase.Key {
	var keys []phrase.Key
	for _, e := range l.events {
		if s, ok := e.(PhraseRenderingStarted); ok {
			keys = append(keys, s.PhraseKey)
		}
	}
	return keys
}

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, e := range l.events {
		if EventType(e) == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) reset() {
	l.events = nil
}

func phraseIndex(result Result, key phrase.Key) int {
	p := result.Phrases[key]
	start, _ := p.StartTicks()
	for i := range patterns {
		if phraseStart(i) == start {
			return i
		}
	}
	return -1
}

var normalPhrase = []string{
	"phraseRenderingStarted",
	"queryGenerationComplete",
	"pitchGenerationComplete",
	"volumeGenerationComplete",
	"voiceSynthesisComplete",
	"phraseRenderingComplete",
}

func TestRenderAllPhrases(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	log := record(t, r)

	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:3]...))))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", result.Status)
	}
	if len(result.Phrases) != 3 {
		t.Fatalf("expected 3 phrases, got %d", len(result.Phrases))
	}
	for key, p := range result.Phrases {
		if !p.Rendered() || len(p.Voice) == 0 {
			t.Fatalf("phrase %s not fully rendered", key)
		}
	}
	want := []string{"phrasesGenerated", "cacheLoaded"}
	for i := 0; i < 3; i++ {
		want = append(want, normalPhrase...)
	}
	if got := log.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events:\n got %v\nwant %v", got, want)
	}
	calls := spy.snapshot()
	for _, op := range []string{engine.OpFrameAudioQuery, engine.OpSingFrameF0, engine.OpSingFrameVolume, engine.OpFrameSynthesis} {
		if calls[op] != 3 {
			t.Fatalf("expected 3 %s calls, got %d", op, calls[op])
		}
	}
	if stats := r.CacheStats(); stats.Queries != 3 || stats.Voices != 3 {
		t.Fatalf("unexpected cache stats %+v", stats)
	}
	if r.IsRendering() {
		t.Fatalf("expected rendering flag cleared")
	}
}

func TestRenderIsIdempotent(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	proj := newProject(trackWith(patterns[:4]...))
	first, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("first render failed: %v", err)
	}

	spy.reset()
	log := record(t, r)
	second, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("second render failed: %v", err)
	}
	if calls := spy.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no engine calls, got %v", calls)
	}
	if got := log.types(); !reflect.DeepEqual(got, []string{"phrasesGenerated", "cacheLoaded"}) {
		t.Fatalf("unexpected events %v", got)
	}
	for key, p := range first.Phrases {
		q, ok := second.Phrases[key]
		if !ok {
			t.Fatalf("phrase %s missing in second render", key)
		}
		if p.VoiceKey != q.VoiceKey || !q.Rendered() {
			t.Fatalf("phrase %s not restored from cache", key)
		}
		assertSameArtifacts(t, p, q)
	}
}

func assertSameArtifacts(t *testing.T, want, got *Phrase) {
	t.Helper()
	if !reflect.DeepEqual(want.Query, got.Query) {
		t.Fatalf("phrase %s: query differs", want.Key)
	}
	if !reflect.DeepEqual(want.Pitch, got.Pitch) {
		t.Fatalf("phrase %s: pitch differs", want.Key)
	}
	if !reflect.DeepEqual(want.Volume, got.Volume) {
		t.Fatalf("phrase %s: volume differs", want.Key)
	}
	if !reflect.DeepEqual(want.Voice, got.Voice) {
		t.Fatalf("phrase %s: voice differs", want.Key)
	}
}

func TestPartialChangeRerendersOnlyChangedPhrase(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	proj := newProject(trackWith(patterns[:4]...))
	if _, err := r.Render(context.Background(), snapshotOf(proj)); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	proj.Tracks[0].Notes[3].Lyric = "か" // first note of the second phrase
	spy.reset()
	log := record(t, r)
	result, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	calls := spy.snapshot()
	for _, op := range []string{engine.OpFrameAudioQuery, engine.OpSingFrameF0, engine.OpSingFrameVolume, engine.OpFrameSynthesis} {
		if calls[op] != 1 {
			t.Fatalf("expected one %s call, got %v", op, calls)
		}
	}
	started := log.started()
	if len(started) != 1 || phraseIndex(result, started[0]) != 1 {
		t.Fatalf("expected only the second phrase to render, got %v", started)
	}
}

func TestVolumeAdjustmentKeepsQueryAndPitch(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	proj := newProject(trackWith(patterns[:2]...))
	if _, err := r.Render(context.Background(), snapshotOf(proj)); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	proj.Tracks[0].VolumeRangeAdjustment = -6
	spy.reset()
	if _, err := r.Render(context.Background(), snapshotOf(proj)); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	calls := spy.snapshot()
	if calls[engine.OpFrameAudioQuery] != 0 || calls[engine.OpSingFrameF0] != 0 {
		t.Fatalf("expected query and pitch from cache, got %v", calls)
	}
	if calls[engine.OpSingFrameVolume] != 2 || calls[engine.OpFrameSynthesis] != 2 {
		t.Fatalf("expected volume and voice to be regenerated, got %v", calls)
	}
}

func TestUntouchedTrackIsNotRerendered(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	proj := newProject(trackWith(patterns[:2]...), trackWith(patterns[2:4]...))
	if _, err := r.Render(context.Background(), snapshotOf(proj)); err != nil {
		t.Fatalf("render failed: %v", err)
	}

	proj.Tracks[1].KeyRangeAdjustment = 3
	spy.reset()
	log := record(t, r)
	result, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if calls := spy.snapshot(); calls[engine.OpFrameAudioQuery] != 2 {
		t.Fatalf("expected two query calls, got %v", calls)
	}
	for _, key := range log.started() {
		if result.Phrases[key].TrackID != "track-2" {
			t.Fatalf("phrase of untouched track %s was rendered", result.Phrases[key].TrackID)
		}
	}
	if len(log.started()) != 2 {
		t.Fatalf("expected two phrases rendered, got %d", len(log.started()))
	}
}

func TestTrackWithoutSingerIsSkipped(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	silent := trackWith(patterns[:2]...)
	silent.Singer = nil
	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:1]...), silent)))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if len(result.Phrases) != 3 {
		t.Fatalf("expected all phrases generated, got %d", len(result.Phrases))
	}
	rendered := 0
	for _, p := range result.Phrases {
		if p.Rendered() {
			rendered++
		} else if p.TrackID != "track-2" {
			t.Fatalf("phrase with singer left unrendered")
		}
	}
	if rendered != 1 {
		t.Fatalf("expected one rendered phrase, got %d", rendered)
	}
}

func TestPhraseErrorDoesNotStopRender(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	log := record(t, r)
	invalid := []lyricNote{{"てすと", 60}}
	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[0], invalid, patterns[2]))))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected complete status, got %s", result.Status)
	}
	want := []string{"phrasesGenerated", "cacheLoaded"}
	want = append(want, normalPhrase...)
	want = append(want, "phraseRenderingStarted", "phraseRenderingError")
	want = append(want, normalPhrase...)
	if got := log.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events:\n got %v\nwant %v", got, want)
	}
	for _, e := range log.events {
		if pe, ok := e.(PhraseRenderingError); ok && !errors.Is(pe.Err, engine.ErrUnknownLyric) {
			t.Fatalf("expected unknown lyric error, got %v", pe.Err)
		}
	}
}

func TestUnhashableSourceStaysPhraseError(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	track := trackWith(patterns[0], patterns[1])
	// Negative pitch edits turn the edited f0 into NaN, which cannot be hashed.
	track.PitchEditData = make([]float64, 1000)
	for i := range track.PitchEditData {
		track.PitchEditData[i] = -2
	}
	snap := snapshotOf(newProject(track))

	for round := 1; round <= 2; round++ {
		log := record(t, r)
		result, err := r.Render(context.Background(), snap)
		if err != nil {
			t.Fatalf("render %d failed: %v", round, err)
		}
		if result.Status != StatusComplete {
			t.Fatalf("render %d: expected complete status, got %s", round, result.Status)
		}
		if n := log.count("phraseRenderingError"); n != 2 {
			t.Fatalf("render %d: expected 2 phrase errors, got %d", round, n)
		}
		if n := log.count("phraseRenderingComplete"); n != 0 {
			t.Fatalf("render %d: expected no completed phrases, got %d", round, n)
		}
		r.listeners = nil
	}
}

func TestInterruptionStopsAtPhraseBoundary(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	log := record(t, r)
	volumes := 0
	err := r.AddEventListener(NewListener(func(e Event) {
		if _, ok := e.(VolumeGenerationComplete); !ok {
			return
		}
		volumes++
		if volumes == 2 {
			if err := r.RequestRenderingInterruption(); err != nil {
				t.Errorf("request interruption: %v", err)
			}
		}
	}))
	if err != nil {
		t.Fatalf("add listener: %v", err)
	}

	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:5]...))))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if result.Status != StatusInterrupted {
		t.Fatalf("expected interrupted status, got %s", result.Status)
	}
	if n := log.count("phraseRenderingStarted"); n != 2 {
		t.Fatalf("expected 2 started phrases, got %d", n)
	}
	if n := log.count("phraseRenderingComplete"); n != 2 {
		t.Fatalf("expected 2 completed phrases, got %d", n)
	}
	if err := r.RequestRenderingInterruption(); !errors.Is(err, ErrNotRendering) {
		t.Fatalf("expected ErrNotRendering after render, got %v", err)
	}

	// The flag does not leak into the next render.
	log.reset()
	result, err = r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:5]...))))
	if err != nil || result.Status != StatusComplete {
		t.Fatalf("expected complete follow-up render, got %s (%v)", result.Status, err)
	}
	if n := log.count("phraseRenderingStarted"); n != 3 {
		t.Fatalf("expected the remaining 3 phrases, got %d", n)
	}
}

func TestPriorityFollowsPlayhead(t *testing.T) {
	spy := newSpy()
	playheadIndexes := []int{3, 3, 6, 6, 6, 6, 6}
	pitches := 0
	playhead := func() int64 {
		idx := playheadIndexes[min(pitches, len(playheadIndexes)-1)]
		return phraseStart(idx) + 240
	}
	r := newRenderer(spy, playhead)
	log := record(t, r)
	if err := r.AddEventListener(NewListener(func(e Event) {
		if _, ok := e.(PitchGenerationComplete); ok {
			pitches++
		}
	})); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns...))))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	var order []int
	for _, key := range log.started() {
		order = append(order, phraseIndex(result, key))
	}
	if want := []int{3, 4, 6, 0, 1, 2, 5}; !reflect.DeepEqual(order, want) {
		t.Fatalf("unexpected order %v, want %v", order, want)
	}
}

func TestLyricEditInSecondPhrase(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	proj := newProject(trackWith(patterns[1], patterns[3]))
	first, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	proj.Tracks[0].Notes[2].Lyric = "ら"
	spy.reset()
	log := record(t, r)
	second, err := r.Render(context.Background(), snapshotOf(proj))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if calls := spy.snapshot(); calls[engine.OpFrameAudioQuery] != 1 || calls[engine.OpFrameSynthesis] != 1 {
		t.Fatalf("expected one phrase regenerated, got %v", calls)
	}
	started := log.started()
	if len(started) != 1 {
		t.Fatalf("expected one started phrase, got %d", len(started))
	}
	if _, existed := first.Phrases[started[0]]; existed {
		t.Fatalf("expected the edited phrase to have a new key")
	}
	if phraseIndex(second, started[0]) != 1 {
		t.Fatalf("expected the second phrase to be rendered")
	}
	kept := 0
	for key, before := range first.Phrases {
		if p, ok := second.Phrases[key]; ok && p.Rendered() {
			assertSameArtifacts(t, before, p)
			kept++
		}
	}
	if kept != 1 {
		t.Fatalf("expected the first phrase to be kept from cache, got %d", kept)
	}
}

func TestContextCancellation(t *testing.T) {
	spy := newSpy()
	r := newRenderer(spy, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := record(t, r)
	if err := r.AddEventListener(NewListener(func(e Event) {
		if _, ok := e.(PhraseRenderingStarted); ok {
			cancel()
		}
	})); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	_, err := r.Render(ctx, snapshotOf(newProject(trackWith(patterns[:3]...))))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := log.count("phraseRenderingError"); n != 1 {
		t.Fatalf("expected the in-flight phrase to fail, got %d errors", n)
	}
	if r.IsRendering() {
		t.Fatalf("expected rendering flag cleared")
	}
}

func TestMissingFrameRateIsUnreachable(t *testing.T) {
	r := newRenderer(newSpy(), nil)
	snap := snapshotOf(newProject(trackWith(patterns[:1]...)))
	snap.EngineFrameRates = map[project.EngineID]float64{}
	_, err := r.Render(context.Background(), snap)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
}

func TestRenderWhileRendering(t *testing.T) {
	r := newRenderer(newSpy(), nil)
	snap := snapshotOf(newProject(trackWith(patterns[:1]...)))
	var nested error
	if err := r.AddEventListener(NewListener(func(e Event) {
		if _, ok := e.(PhrasesGenerated); ok {
			_, nested = r.Render(context.Background(), snap)
		}
	})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if _, err := r.Render(context.Background(), snap); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !errors.Is(nested, ErrRenderingInProgress) {
		t.Fatalf("expected ErrRenderingInProgress, got %v", nested)
	}
}

func TestListenerRegistrationIsStrict(t *testing.T) {
	r := newRenderer(newSpy(), nil)
	l := NewListener(func(Event) {})
	if err := r.AddEventListener(l); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := r.AddEventListener(l); !errors.Is(err, ErrListenerAlreadyRegistered) {
		t.Fatalf("expected ErrListenerAlreadyRegistered, got %v", err)
	}
	if err := r.RemoveEventListener(l); err != nil {
		t.Fatalf("remove listener: %v", err)
	}
	if err := r.RemoveEventListener(l); !errors.Is(err, ErrListenerNotRegistered) {
		t.Fatalf("expected ErrListenerNotRegistered, got %v", err)
	}
	if err := r.RemoveEventListener(NewListener(func(Event) {})); !errors.Is(err, ErrListenerNotRegistered) {
		t.Fatalf("expected ErrListenerNotRegistered for unknown listener")
	}
}

type countingHandler struct {
	seen map[string]int
}

func (h *countingHandler) PhrasesGenerated(PhrasesGenerated) {
	h.seen["phrasesGenerated"]++
}
func (h *countingHandler) CacheLoaded(CacheLoaded) {
	h.seen["cacheLoaded"]++
}
func (h *countingHandler) PhraseRenderingStarted(PhraseRenderingStarted) {
	h.seen["phraseRenderingStarted"]++
}
func (h *countingHandler) QueryGenerationComplete(QueryGenerationComplete) {
	h.seen["queryGenerationComplete"]++
}
func (h *countingHandler) PitchGenerationComplete(PitchGenerationComplete) {
	h.seen["pitchGenerationComplete"]++
}
func (h *countingHandler) VolumeGenerationComplete(VolumeGenerationComplete) {
	h.seen["volumeGenerationComplete"]++
}
func (h *countingHandler) VoiceSynthesisComplete(VoiceSynthesisComplete) {
	h.seen["voiceSynthesisComplete"]++
}
func (h *countingHandler) PhraseRenderingComplete(PhraseRenderingComplete) {
	h.seen["phraseRenderingComplete"]++
}
func (h *countingHandler) PhraseRenderingError(PhraseRenderingError) {
	h.seen["phraseRenderingError"]++
}

func TestHandlerListenerDispatchesEveryEvent(t *testing.T) {
	r := newRenderer(newSpy(), nil)
	h := &countingHandler{seen: make(map[string]int)}
	if err := r.AddEventListener(HandlerListener(h)); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	log := record(t, r)
	if _, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:2]...)))); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, name := range log.types() {
		if h.seen[name] == 0 {
			t.Fatalf("handler missed %s", name)
		}
	}
	if h.seen["phraseRenderingComplete"] != 2 {
		t.Fatalf("expected 2 completions, got %d", h.seen["phraseRenderingComplete"])
	}
}

func TestEventPayloadsAreSnapshots(t *testing.T) {
	r := newRenderer(newSpy(), nil)
	log := record(t, r)
	result, err := r.Render(context.Background(), snapshotOf(newProject(trackWith(patterns[:1]...))))
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	generated, ok := log.events[0].(PhrasesGenerated)
	if !ok {
		t.Fatalf("expected PhrasesGenerated first, got %T", log.events[0])
	}
	for key, p := range generated.Phrases {
		if p.Rendered() {
			t.Fatalf("generated payload changed after emission")
		}
		if !result.Phrases[key].Rendered() {
			t.Fatalf("expected rendered phrase in result")
		}
	}
}
