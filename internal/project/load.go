package project

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-sing/internal/music"
)

// LoadFile reads a project from a YAML/JSON document or a standard MIDI file.
func LoadFile(path string) (*Project, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi":
		return LoadMIDI(path)
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read project file: %w", err)
		}
		return Parse(data)
	default:
		return nil, fmt.Errorf("unsupported project file extension %q", filepath.Ext(path))
	}
}

// Parse decodes a YAML project document. JSON documents are accepted too.
// Missing note ids are generated, a missing tpqn or tempo map falls back to
// the defaults.
func Parse(data []byte) (*Project, error) {
	var p Project
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse project: %w", err)
	}
	if p.TPQN == 0 {
		p.TPQN = music.DefaultTPQN
	}
	if len(p.Tempos) == 0 {
		p.Tempos = []music.Tempo{music.DefaultTempo(0)}
	}
	for ti := range p.Tracks {
		if p.Tracks[ti].ID == "" {
			p.Tracks[ti].ID = TrackID(uuid.NewString())
		}
		for ni := range p.Tracks[ti].Notes {
			if p.Tracks[ti].Notes[ni].ID == "" {
				p.Tracks[ti].Notes[ni].ID = NoteID(uuid.NewString())
			}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
