package protocol

import (
	"time"

	"github.com/loqalabs/loqa-sing/internal/project"
)

// RenderRequest asks the service to render a project. Exactly one of
// Project and ProjectPath is expected; Project wins when both are set.
type RenderRequest struct {
	RenderID    string           `json:"render_id,omitempty"`
	Project     *project.Project `json:"project,omitempty"`
	ProjectPath string           `json:"project_path,omitempty"`
	Export      *bool            `json:"export,omitempty"`
}

// RenderAccepted is the reply to a RenderRequest.
type RenderAccepted struct {
	RenderID string `json:"render_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// RenderProgress mirrors one renderer event.
type RenderProgress struct {
	RenderID  string    `json:"render_id"`
	Event     string    `json:"event"`
	PhraseKey string    `json:"phrase_key,omitempty"`
	TrackID   string    `json:"track_id,omitempty"`
	Phrases   int       `json:"phrases,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PhraseSummary struct {
	Key       string  `json:"key"`
	TrackID   string  `json:"track_id"`
	StartTime float64 `json:"start_time"`
	Rendered  bool    `json:"rendered"`
}

// RenderResult is published once per request when rendering stops.
type RenderResult struct {
	RenderID  string          `json:"render_id"`
	Status    string          `json:"status"`
	Phrases   []PhraseSummary `json:"phrases,omitempty"`
	Failed    int             `json:"failed"`
	Exports   []string        `json:"exports,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type InterruptRequest struct {
	RenderID string `json:"render_id,omitempty"`
}

// Playhead carries the editor playhead in ticks.
type Playhead struct {
	Position int64 `json:"position"`
}

const (
	SubjectRenderRequest        = "sing.render.request"
	SubjectRenderInterrupt      = "sing.render.interrupt"
	SubjectRenderProgressPrefix = "sing.render.progress"
	SubjectRenderResult         = "sing.render.result"
	SubjectPlayhead             = "sing.playhead"
)

// ProgressSubject returns the subject progress events of the given type are
// published on.
func ProgressSubject(eventType string) string {
	return SubjectRenderProgressPrefix + "." + eventType
}
