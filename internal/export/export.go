// Package export writes rendered phrases to disk as WAV files.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-sing/internal/engine"
	"github.com/loqalabs/loqa-sing/internal/phrase"
	"github.com/loqalabs/loqa-sing/internal/project"
	"github.com/loqalabs/loqa-sing/internal/renderer"
)

var (
	ErrSampleRateMismatch = errors.New("phrases of a track use different sample rates")
	ErrInvalidRenderID    = errors.New("invalid render id")
)

var renderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidRenderID reports whether id is safe to use as an export directory
// name. Canonical UUIDs always pass.
func ValidRenderID(id string) bool {
	return renderIDPattern.MatchString(id)
}

func (e *Exporter) renderDir(renderID string, elem ...string) (string, error) {
	if !ValidRenderID(renderID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRenderID, renderID)
	}
	return filepath.Join(append([]string{e.dir, renderID}, elem...)...), nil
}

type Exporter struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Exporter {
	return &Exporter{dir: dir, logger: logger.With(slog.String("component", "export"))}
}

// Tracks mixes the rendered phrases of every audible track into one WAV file
// per track and returns the written paths in track order. Tracks without any
// rendered phrase are skipped.
func (e *Exporter) Tracks(renderID string, snap *project.Snapshot, phrases map[phrase.Key]*renderer.Phrase) ([]string, error) {
	dir, err := e.renderDir(renderID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	byTrack := make(map[project.TrackID][]*renderer.Phrase)
	for _, p := range phrases {
		if p.Voice != nil {
			byTrack[p.TrackID] = append(byTrack[p.TrackID], p)
		}
	}

	audible := project.ShouldPlayTracks(snap.Tracks)
	var paths []string
	for i, trackID := range snap.OrderedTrackIDs() {
		if _, ok := audible[trackID]; !ok {
			continue
		}
		trackPhrases := byTrack[trackID]
		if len(trackPhrases) == 0 {
			e.logger.Debug("no rendered phrases", slog.String("track", string(trackID)))
			continue
		}
		samples, sampleRate, err := Mix(trackPhrases)
		if err != nil {
			return paths, fmt.Errorf("mix track %s: %w", trackID, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%02d_%s.wav", i, fileName(trackName(snap, trackID))))
		if err := writeWAV(path, samples, sampleRate); err != nil {
			return paths, err
		}
		e.logger.Info("exported track",
			slog.String("track", string(trackID)),
			slog.String("path", path),
			slog.Int("phrases", len(trackPhrases)),
			slog.Float64("seconds", float64(len(samples))/float64(sampleRate)))
		paths = append(paths, path)
	}
	return paths, nil
}

// Phrases writes the voice of each rendered phrase unchanged, named after
// the phrase key.
func (e *Exporter) Phrases(renderID string, phrases map[phrase.Key]*renderer.Phrase) ([]string, error) {
	dir, err := e.renderDir(renderID, "phrases")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	keys := make([]phrase.Key, 0, len(phrases))
	for key, p := range phrases {
		if p.Voice != nil {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		path := filepath.Join(dir, string(key)+".wav")
		if err := os.WriteFile(path, phrases[key].Voice, 0o644); err != nil {
			return paths, fmt.Errorf("write phrase %s: %w", key, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Mix decodes each phrase voice and sums it at round(StartTime*sampleRate).
// Samples before time zero are dropped. The result is normalized to [-1, 1]
// per source sample but not clipped.
func Mix(phrases []*renderer.Phrase) ([]float64, int, error) {
	sorted := append([]*renderer.Phrase(nil), phrases...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	var (
		out        []float64
		sampleRate int
	)
	for _, p := range sorted {
		buf, err := engine.DecodeWAV(p.Voice)
		if err != nil {
			return nil, 0, fmt.Errorf("phrase %s: %w", p.Key, err)
		}
		rate := buf.Format.SampleRate
		if sampleRate == 0 {
			sampleRate = rate
		} else if rate != sampleRate {
			return nil, 0, ErrSampleRateMismatch
		}
		scale := fullScale(buf.SourceBitDepth)
		channels := buf.Format.NumChannels
		if channels < 1 {
			channels = 1
		}

		offset := int(math.Round(p.StartTime * float64(sampleRate)))
		frames := len(buf.Data) / channels
		if end := offset + frames; end > len(out) {
			out = append(out, make([]float64, end-len(out))...)
		}
		for i := 0; i < frames; i++ {
			pos := offset + i
			if pos < 0 {
				continue
			}
			// Downmix to mono.
			var sum float64
			for c := 0; c < channels; c++ {
				sum += float64(buf.Data[i*channels+c])
			}
			out[pos] += sum / float64(channels) / scale
		}
	}
	if sampleRate == 0 {
		return nil, 0, errors.New("no phrases to mix")
	}
	return out, sampleRate, nil
}

func fullScale(bitDepth int) float64 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return math.Exp2(float64(bitDepth - 1))
}

func writeWAV(path string, samples []float64, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		data[i] = int(math.Round(s * math.MaxInt16))
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func trackName(snap *project.Snapshot, id project.TrackID) string {
	if track := snap.Tracks[id]; track != nil && track.Name != "" {
		return track.Name
	}
	return string(id)
}

func fileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "track"
	}
	return name
}
