package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/liveness-lab/internal/media"
)

// TranscriberClient talks to the speech-to-text service. Best-effort: any
// non-empty text is accepted; confidence filtering happens nowhere.
type TranscriberClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	TimeoutMS int
}

type transcriberResponse struct {
	Text string `json:"text"`
}

// Transcribe sends the waveform as WAV and returns the trimmed transcript.
// language and initialPrompt are optional recognition hints passed through
// as query parameters.
func (c *TranscriberClient) Transcribe(ctx context.Context, wf *media.Waveform, language, initialPrompt string) (string, error) {
	if c == nil || c.URL == "" {
		return "", NewExtractionError("text", fmt.Errorf("transcriber model not configured"))
	}
	endpoint := c.URL
	if u, err := url.Parse(c.URL); err == nil {
		q := u.Query()
		if language != "" {
			q.Set("language", language)
		}
		if initialPrompt != "" {
			q.Set("initial_prompt", initialPrompt)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}
	status, body, err := postMedia(ctx, c.Client, endpoint, "audio/wav", wf.WAVBytes(), c.AuthToken, c.TimeoutMS)
	if err != nil {
		return "", NewExtractionError("text", err)
	}
	if status >= 300 {
		return "", NewExtractionError("text", fmt.Errorf("status %d", status))
	}
	var out transcriberResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", NewExtractionError("text", err)
	}
	return strings.TrimSpace(out.Text), nil
}
