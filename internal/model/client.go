// Package model wraps the external inference collaborators (speaker
// embedding, speech-to-text, face embedding) behind narrow HTTP clients.
// Each call is attempted exactly once per request with a bounded timeout;
// retry policy is deliberately absent because a failed extraction degrades
// one modality instead of being retried.
package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liveness-lab/internal/logging"
)

// ErrNoFace signals that the face model found no usable face in a frame.
// Valid media, zero detections: callers skip the frame, they don't abort.
var ErrNoFace = errors.New("model: no face detected")

// maxModelResponse caps how much of a model response body is read. Embedding
// and transcript payloads are tiny; anything larger is a misbehaving server.
const maxModelResponse = 4 << 20

// ExtractionError indicates the external model errored or returned output
// we could not use.
type ExtractionError struct {
	Modality string
	cause    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("model: %s extraction failed: %v", e.Modality, e.cause)
}

func (e *ExtractionError) Unwrap() error { return e.cause }

// NewExtractionError wraps a model failure for the given modality.
func NewExtractionError(modality string, cause error) *ExtractionError {
	return &ExtractionError{Modality: modality, cause: cause}
}

type ctxKeyCorrelation struct{}

// WithCorrelationID attaches a correlation ID to ctx; model calls propagate
// it as the X-Correlation-ID header and into their logs.
func WithCorrelationID(ctx context.Context, cid string) context.Context {
	if cid == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyCorrelation{}, cid)
}

// CorrelationID returns the correlation ID attached to ctx, if any.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCorrelation{}).(string); ok {
		return v
	}
	return ""
}

// postMedia POSTs a media payload to a model endpoint with a bounded
// timeout covering the full exchange, and returns the status plus the
// fully read response body. Exactly one attempt.
func postMedia(ctx context.Context, client *http.Client, url, contentType string, body []byte, authToken string, timeoutMs int) (int, []byte, error) {
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	cid := CorrelationID(ctx)
	if cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	start := time.Now()
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Warnw("model call failed", "url", url, "err", err, "correlation_id", cid)
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModelResponse))
	if err != nil {
		logging.Warnw("model response read failed", "url", url, "err", err, "correlation_id", cid)
		return resp.StatusCode, nil, err
	}
	logging.Debugw("model call completed", "url", url, "status", resp.StatusCode, "latency_ms", time.Since(start).Milliseconds(), "correlation_id", cid)
	return resp.StatusCode, data, nil
}
