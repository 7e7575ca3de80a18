package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-sing/internal/project"
)

// Operations of the stdio engine protocol. A process reads one Request from
// stdin and writes one Response to stdout.
const (
	OpFrameAudioQuery = "frame_audio_query"
	OpSingFrameF0     = "sing_frame_f0"
	OpSingFrameVolume = "sing_frame_volume"
	OpFrameSynthesis  = "frame_synthesis"
)

type Request struct {
	Operation string           `json:"operation"`
	EngineID  project.EngineID `json:"engine_id"`
	StyleID   project.StyleID  `json:"style_id"`
	FrameRate float64          `json:"frame_rate,omitempty"`
	Notes     []Note           `json:"notes,omitempty"`
	Query     *FrameAudioQuery `json:"query,omitempty"`
}

type Response struct {
	Query  *FrameAudioQuery `json:"query,omitempty"`
	F0     []float64        `json:"f0,omitempty"`
	Volume []float64        `json:"volume,omitempty"`
	WAV    []byte           `json:"wav,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Handle runs one protocol request against api. Engine failures are reported
// in Response.Error.
func Handle(ctx context.Context, api SongAPI, req Request) Response {
	var (
		resp Response
		err  error
	)
	query := FrameAudioQuery{}
	if req.Query != nil {
		query = *req.Query
	}
	switch req.Operation {
	case OpFrameAudioQuery:
		var q FrameAudioQuery
		q, err = api.FetchFrameAudioQuery(ctx, req.EngineID, req.StyleID, req.FrameRate, req.Notes)
		resp.Query = &q
	case OpSingFrameF0:
		resp.F0, err = api.FetchSingFrameF0(ctx, req.Notes, query, req.EngineID, req.StyleID)
	case OpSingFrameVolume:
		resp.Volume, err = api.FetchSingFrameVolume(ctx, req.Notes, query, req.EngineID, req.StyleID)
	case OpFrameSynthesis:
		resp.WAV, err = api.FrameSynthesis(ctx, query, req.EngineID, req.StyleID)
	default:
		err = fmt.Errorf("unknown operation %q", req.Operation)
	}
	if err != nil {
		return Response{Error: err.Error()}
	}
	return resp
}

// Serve decodes a single request from r and writes the response to w.
func Serve(ctx context.Context, api SongAPI, r io.Reader, w io.Writer) error {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		resp := Response{Error: fmt.Sprintf("decode request: %v", err)}
		if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
			return encErr
		}
		return err
	}
	return json.NewEncoder(w).Encode(Handle(ctx, api, req))
}

// remote adapts a request/response transport to SongAPI.
type remote struct {
	call func(ctx context.Context, req Request) (Response, error)
}

func (r remote) do(ctx context.Context, req Request) (Response, error) {
	resp, err := r.call(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if resp.Error != "" {
		return Response{}, fmt.Errorf("engine %s: %s", req.Operation, resp.Error)
	}
	return resp, nil
}

func (r remote) FetchFrameAudioQuery(ctx context.Context, engineID project.EngineID, styleID project.StyleID, engineFrameRate float64, notes []Note) (FrameAudioQuery, error) {
	resp, err := r.do(ctx, Request{Operation: OpFrameAudioQuery, EngineID: engineID, StyleID: styleID, FrameRate: engineFrameRate, Notes: notes})
	if err != nil {
		return FrameAudioQuery{}, err
	}
	if resp.Query == nil {
		return FrameAudioQuery{}, fmt.Errorf("engine %s: empty query", OpFrameAudioQuery)
	}
	q := *resp.Query
	q.FrameRate = engineFrameRate
	return q, nil
}

func (r remote) FetchSingFrameF0(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	resp, err := r.do(ctx, Request{Operation: OpSingFrameF0, EngineID: engineID, StyleID: styleID, Notes: notes, Query: &query})
	if err != nil {
		return nil, err
	}
	return resp.F0, nil
}

func (r remote) FetchSingFrameVolume(ctx context.Context, notes []Note, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]float64, error) {
	resp, err := r.do(ctx, Request{Operation: OpSingFrameVolume, EngineID: engineID, StyleID: styleID, Notes: notes, Query: &query})
	if err != nil {
		return nil, err
	}
	return resp.Volume, nil
}

func (r remote) FrameSynthesis(ctx context.Context, query FrameAudioQuery, engineID project.EngineID, styleID project.StyleID) ([]byte, error) {
	resp, err := r.do(ctx, Request{Operation: OpFrameSynthesis, EngineID: engineID, StyleID: styleID, Query: &query})
	if err != nil {
		return nil, err
	}
	return resp.WAV, nil
}
