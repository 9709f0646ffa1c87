package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/liveness-lab/internal/media"
)

// SpeakerClient talks to the speaker-embedding service. Input is a
// canonical mono 16 kHz waveform; output is a fixed-length voiceprint
// vector (192-d for the ECAPA-style models this was built against).
//
// Passing non-canonical audio is undefined behavior for the wrapped model;
// the normalizer's contract must be upheld by the caller.
type SpeakerClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	TimeoutMS int
}

type speakerResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends the waveform as WAV and returns the voiceprint vector.
func (c *SpeakerClient) Embed(ctx context.Context, wf *media.Waveform) ([]float32, error) {
	if c == nil || c.URL == "" {
		return nil, NewExtractionError("voice", fmt.Errorf("speaker model not configured"))
	}
	status, body, err := postMedia(ctx, c.Client, c.URL, "audio/wav", wf.WAVBytes(), c.AuthToken, c.TimeoutMS)
	if err != nil {
		return nil, NewExtractionError("voice", err)
	}
	if status >= 300 {
		return nil, NewExtractionError("voice", fmt.Errorf("status %d", status))
	}
	var out speakerResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewExtractionError("voice", err)
	}
	if len(out.Embedding) == 0 {
		return nil, NewExtractionError("voice", fmt.Errorf("empty embedding"))
	}
	return out.Embedding, nil
}
