package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-sing/internal/project"
)

// HTTPEngine talks to a VOICEVOX compatible engine over its REST API.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

func NewHTTP(endpoint string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type singFrameRequest struct {
	Score           Score           `json:"score"`
	FrameAudioQuery FrameAudioQuery `json:"frame_audio_query"`
}

func (e *HTTPEngine) url(path string, styleID project.StyleID) string {
	q := url.Values{}
	q.Set("speaker", strconv.Itoa(int(styleID)))
	return e.endpoint + path + "?" + q.Encode()
}

func (e *HTTPEngine) post(ctx context.Context, target string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine returned status %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (e *HTTPEngine) FetchFrameAudioQuery(ctx context.Context, _ project.EngineID, styleID project.StyleID, engineFrameRate float64, notes []Note) (FrameAudioQuery, error) {
	data, err := e.post(ctx, e.url("/sing_frame_audio_query", styleID), Score{Notes: notes})
	if err != nil {
		return FrameAudioQuery{}, err
	}
	var q FrameAudioQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return FrameAudioQuery{}, fmt.Errorf("decode frame audio query: %w", err)
	}
	q.FrameRate = engineFrameRate
	return q, nil
}

func (e *HTTPEngine) fetchFrames(ctx context.Context, path string, notes []Note, query FrameAudioQuery, styleID project.StyleID) ([]float64, error) {
	data, err := e.post(ctx, e.url(path, styleID), singFrameRequest{Score: Score{Notes: notes}, FrameAudioQuery: query})
	if err != nil {
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return values, nil
}

func (e *HTTPEngine) FetchSingFrameF0(ctx context.Context, notes []Note, query FrameAudioQuery, _ project.EngineID, styleID project.StyleID) ([]float64, error) {
	return e.fetchFrames(ctx, "/sing_frame_f0", notes, query, styleID)
}

func (e *HTTPEngine) FetchSingFrameVolume(ctx context.Context, notes []Note, query FrameAudioQuery, _ project.EngineID, styleID project.StyleID) ([]float64, error) {
	return e.fetchFrames(ctx, "/sing_frame_volume", notes, query, styleID)
}

func (e *HTTPEngine) FrameSynthesis(ctx context.Context, query FrameAudioQuery, _ project.EngineID, styleID project.StyleID) ([]byte, error) {
	return e.post(ctx, e.url("/frame_synthesis", styleID), query)
}

// Version returns the engine version string.
func (e *HTTPEngine) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("engine returned status %s", resp.Status)
	}
	var version string
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return version, nil
}

// WaitForHealthy polls /version until the engine answers or ctx is done.
func (e *HTTPEngine) WaitForHealthy(ctx context.Context, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		version, err := e.Version(ctx)
		if err == nil {
			return version, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("engine not healthy: %w", err)
		case <-ticker.C:
		}
	}
}
