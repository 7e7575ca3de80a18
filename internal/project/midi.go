package project

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/loqalabs/loqa-sing/internal/music"
)

// DefaultMIDILyric is sung for notes without a lyric meta event.
const DefaultMIDILyric = "ら"

// LoadMIDI imports a standard MIDI file. Every SMF track with notes becomes a
// track without a singer; lyric meta events at a note's start tick become the
// note's lyric.
func LoadMIDI(path string) (*Project, error) {
	s, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read midi file: %w", err)
	}
	return fromSMF(s)
}

func fromSMF(s *smf.SMF) (*Project, error) {
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("unsupported midi time format %v", s.TimeFormat)
	}
	p := &Project{TPQN: int(ticks.Resolution())}

	tempoAt := make(map[int64]float64)
	for ti, track := range s.Tracks {
		var (
			abs     int64
			lyrics  = make(map[int64]string)
			started = make(map[uint8]Note)
			notes   []Note
		)
		for _, ev := range track {
			abs += int64(ev.Delta)
			msg := ev.Message
			var (
				bpm                    float64
				text                   string
				channel, key, velocity uint8
			)
			switch {
			case msg.GetMetaTempo(&bpm):
				tempoAt[abs] = bpm
			case msg.GetMetaLyric(&text):
				lyrics[abs] = strings.TrimSpace(text)
			case midi.Message(msg).GetNoteStart(&channel, &key, &velocity):
				if prev, ok := started[key]; ok {
					notes = append(notes, closeNote(prev, abs))
				}
				started[key] = Note{Position: abs, NoteNumber: int(key)}
			case midi.Message(msg).GetNoteEnd(&channel, &key):
				if n, ok := started[key]; ok {
					notes = append(notes, closeNote(n, abs))
					delete(started, key)
				}
			}
		}
		if len(notes) == 0 {
			continue
		}
		sort.SliceStable(notes, func(i, j int) bool { return notes[i].Position < notes[j].Position })
		for i := range notes {
			notes[i].ID = NoteID(uuid.NewString())
			notes[i].Lyric = DefaultMIDILyric
			if lyric, ok := lyrics[notes[i].Position]; ok && lyric != "" {
				notes[i].Lyric = lyric
			}
		}
		p.Tracks = append(p.Tracks, TrackEntry{
			ID:    TrackID(uuid.NewString()),
			Track: Track{Name: fmt.Sprintf("track %d", ti+1), Notes: notes},
		})
	}

	positions := make([]int64, 0, len(tempoAt))
	for pos := range tempoAt {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, pos := range positions {
		p.Tempos = append(p.Tempos, music.Tempo{Position: pos, BPM: tempoAt[pos]})
	}
	if len(p.Tempos) == 0 || p.Tempos[0].Position != 0 {
		p.Tempos = append([]music.Tempo{music.DefaultTempo(0)}, p.Tempos...)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func closeNote(n Note, end int64) Note {
	n.Duration = end - n.Position
	if n.Duration < 1 {
		n.Duration = 1
	}
	return n
}
