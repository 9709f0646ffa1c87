package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/url"

	"github.com/disintegration/imaging"
)

// FaceClient talks to the face-embedding service. One RGB frame in, zero or
// one embedding out. Detector backend and alignment are fixed request
// parameters; the service owns detection and alignment internals.
type FaceClient struct {
	URL       string
	AuthToken string
	Client    *http.Client
	TimeoutMS int

	// Detector selects the detection backend on the service side.
	// Empty means "mtcnn".
	Detector string
}

type faceResponse struct {
	Detected  bool      `json:"detected"`
	Embedding []float32 `json:"embedding"`
}

// DetectEmbed submits one frame and returns its face embedding, or ErrNoFace
// when the frame contains no detectable face.
func (c *FaceClient) DetectEmbed(ctx context.Context, frame image.Image) ([]float32, error) {
	if c == nil || c.URL == "" {
		return nil, NewExtractionError("face", fmt.Errorf("face model not configured"))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
		return nil, NewExtractionError("face", err)
	}
	endpoint := c.URL
	if u, err := url.Parse(c.URL); err == nil {
		q := u.Query()
		detector := c.Detector
		if detector == "" {
			detector = "mtcnn"
		}
		q.Set("detector", detector)
		q.Set("align", "1")
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}
	status, body, err := postMedia(ctx, c.Client, endpoint, "image/jpeg", buf.Bytes(), c.AuthToken, c.TimeoutMS)
	if err != nil {
		return nil, NewExtractionError("face", err)
	}
	if status >= 300 {
		return nil, NewExtractionError("face", fmt.Errorf("status %d", status))
	}
	var out faceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewExtractionError("face", err)
	}
	if !out.Detected || len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return out.Embedding, nil
}
