// Package verify implements the multi-modal verification pipeline: it
// normalizes uploaded media, fans out to the voice, face and text
// extractors, scores each modality against the challenge's reference
// profile under independent thresholds, and renders the verdict.
package verify

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/media"
	"github.com/liveness-lab/internal/model"
)

// MediaNormalizer converts uploaded media into canonical waveforms and
// sampled frames.
type MediaNormalizer interface {
	NormalizeAudioBytes(ctx context.Context, blob []byte, scratch *media.Scratch) (*media.Waveform, error)
	NormalizeAudioFile(ctx context.Context, path string, scratch *media.Scratch) (*media.Waveform, error)
	ExtractAudio(ctx context.Context, videoPath string, scratch *media.Scratch) (*media.Waveform, error)
	ExtractFrames(ctx context.Context, videoPath string, scratch *media.Scratch) ([]image.Image, error)
}

// VoiceEmbedder turns a canonical waveform into a voiceprint vector.
type VoiceEmbedder interface {
	Embed(ctx context.Context, wf *media.Waveform) ([]float32, error)
}

// Transcriber turns a canonical waveform into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, wf *media.Waveform, language, initialPrompt string) (string, error)
}

// FaceEmbedder turns one RGB frame into a face embedding, or model.ErrNoFace.
type FaceEmbedder interface {
	DetectEmbed(ctx context.Context, frame image.Image) ([]float32, error)
}

// Pipeline runs verification requests. It is safe for concurrent use; the
// only shared state is the read-only per-challenge reference profile cache.
type Pipeline struct {
	Normalizer  MediaNormalizer
	Speaker     VoiceEmbedder
	Transcriber Transcriber
	Face        FaceEmbedder
	ScratchRoot string

	profiles *profileStore
}

// NewPipeline wires a pipeline from its collaborators.
func NewPipeline(n MediaNormalizer, speaker VoiceEmbedder, transcriber Transcriber, face FaceEmbedder, scratchRoot string) *Pipeline {
	return &Pipeline{
		Normalizer:  n,
		Speaker:     speaker,
		Transcriber: transcriber,
		Face:        face,
		ScratchRoot: scratchRoot,
		profiles:    newProfileStore(),
	}
}

// Warm builds the reference profiles for the given challenges ahead of the
// first request. Failures are logged and cached; they surface per modality
// at request time.
func (p *Pipeline) Warm(ctx context.Context, challenges []config.Challenge) {
	for i := range challenges {
		ch := &challenges[i]
		if _, err := p.profiles.get(ctx, ch, p.buildProfile); err != nil {
			logging.Warnw("profile warmup failed", "challenge", ch.ID, "err", err)
		}
	}
}

// Verify runs the full pipeline for one upload. ValidationErrors and
// unrecoverable decode failures are returned as errors; per-modality
// failures degrade that modality's score inside the Result instead.
func (p *Pipeline) Verify(ctx context.Context, ch *config.Challenge, upload []byte) (*Result, error) {
	scratch, err := media.NewScratch(p.ScratchRoot)
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	cid := model.CorrelationID(ctx)

	var wf *media.Waveform
	var frames []image.Image
	var audioErr, frameErr error

	if ch.Kind == config.KindVideo {
		path, werr := scratch.WriteFile("upload.mp4", upload)
		if werr != nil {
			return nil, werr
		}
		wf, audioErr = p.Normalizer.ExtractAudio(ctx, path, scratch)
		if ch.HasModality(config.ModalityFace) {
			frames, frameErr = p.Normalizer.ExtractFrames(ctx, path, scratch)
		}
		if audioErr != nil && frameErr != nil {
			// Nothing decodable at all: the whole request fails.
			return nil, audioErr
		}
	} else {
		wf, audioErr = p.Normalizer.NormalizeAudioBytes(ctx, upload, scratch)
		if audioErr != nil {
			return nil, audioErr
		}
		if ch.MinDurationSec > 0 && wf.Duration().Seconds() < ch.MinDurationSec {
			return nil, &ValidationError{
				Requirement: "duration",
				Message:     fmt.Sprintf("audio must be at least %.0f seconds", ch.MinDurationSec),
			}
		}
	}
	if audioErr != nil {
		logging.Warnw("audio track unavailable, degrading voice and text", logging.ChallengeFields(ch.ID, cid)...)
	}
	if frameErr != nil {
		logging.Warnw("frames unavailable, degrading face", logging.ChallengeFields(ch.ID, cid)...)
	}

	// The profile is server-scoped state shared across requests; a player
	// disconnecting mid-build must not abort it. Values (correlation ID)
	// still flow through.
	profile, profErr := p.profiles.get(context.WithoutCancel(ctx), ch, p.buildProfile)

	res := &Result{ChallengeID: ch.ID}

	// The three extraction paths are independent; a failure in one must not
	// cancel the others, so every goroutine reports degradation through its
	// ModalityResult and returns nil.
	g, gctx := errgroup.WithContext(ctx)
	if ch.HasModality(config.ModalityVoice) {
		res.Voice = &ModalityResult{}
		g.Go(func() error {
			p.scoreVoice(gctx, ch, profile, profErr, wf, audioErr, res.Voice)
			return nil
		})
	}
	if ch.HasModality(config.ModalityText) {
		res.Text = &ModalityResult{}
		g.Go(func() error {
			res.Transcript = p.scoreText(gctx, ch, wf, audioErr, res.Text)
			return nil
		})
	}
	if ch.HasModality(config.ModalityFace) {
		res.Face = &ModalityResult{}
		g.Go(func() error {
			p.scoreFace(gctx, ch, profile, profErr, frames, frameErr, res.Face)
			return nil
		})
	}
	_ = g.Wait()

	verdict := true
	for _, m := range []*ModalityResult{res.Face, res.Voice, res.Text} {
		if m == nil {
			continue
		}
		if !m.Pass {
			verdict = false
			if m.Reason != "" {
				res.Failures = append(res.Failures, m.Reason)
			}
		}
	}
	res.Verdict = verdict
	if verdict {
		res.Flag = FormatFlag(ch.FlagPrefix, CompletionToken(ch.ID, upload))
	}

	verificationsTotal.WithLabelValues(ch.ID, verdictLabel(verdict)).Inc()
	logging.Infow("verification completed", append(logging.ChallengeFields(ch.ID, cid), "verdict", verdict, "failures", res.Failures)...)
	return res, nil
}

func verdictLabel(v bool) string {
	if v {
		return "pass"
	}
	return "fail"
}

func (p *Pipeline) scoreVoice(ctx context.Context, ch *config.Challenge, profile *ReferenceProfile, profErr error, wf *media.Waveform, audioErr error, out *ModalityResult) {
	timer := prometheus.NewTimer(modalitySeconds.WithLabelValues(config.ModalityVoice))
	defer timer.ObserveDuration()

	switch {
	case audioErr != nil || wf == nil:
		out.Reason = "audio track could not be decoded"
	case profErr != nil || profile == nil || len(profile.Voice) == 0:
		out.Reason = "voice verification unavailable"
	default:
		emb, err := p.Speaker.Embed(ctx, wf)
		if err != nil {
			logging.Warnw("voiceprint extraction failed", "challenge", ch.ID, "err", err)
			out.Reason = "voice verification unavailable"
			break
		}
		out.Available = true
		out.Score = ClampScore(Cosine(emb, profile.Voice))
		out.Pass = out.Score >= ch.Thresholds.Voice
		if !out.Pass {
			out.Reason = "voiceprint mismatch"
		}
		return
	}
	modalityFailures.WithLabelValues(ch.ID, config.ModalityVoice).Inc()
}

// scoreText returns the transcript so the caller can surface what the
// speech model heard.
func (p *Pipeline) scoreText(ctx context.Context, ch *config.Challenge, wf *media.Waveform, audioErr error, out *ModalityResult) string {
	timer := prometheus.NewTimer(modalitySeconds.WithLabelValues(config.ModalityText))
	defer timer.ObserveDuration()

	if audioErr != nil || wf == nil {
		out.Reason = "audio track could not be decoded"
		modalityFailures.WithLabelValues(ch.ID, config.ModalityText).Inc()
		return ""
	}
	transcript, err := p.Transcriber.Transcribe(ctx, wf, ch.Language, ch.InitialPrompt)
	if err != nil {
		logging.Warnw("transcription failed", "challenge", ch.ID, "err", err)
		out.Reason = "speech recognition unavailable"
		modalityFailures.WithLabelValues(ch.ID, config.ModalityText).Inc()
		return ""
	}
	out.Available = true
	out.Score = MatchRatio(ch.ExpectedText, transcript)
	out.Pass = out.Score >= ch.Thresholds.Text
	if !out.Pass {
		out.Reason = "spoken content mismatch"
	}
	return transcript
}

func (p *Pipeline) scoreFace(ctx context.Context, ch *config.Challenge, profile *ReferenceProfile, profErr error, frames []image.Image, frameErr error, out *ModalityResult) {
	timer := prometheus.NewTimer(modalitySeconds.WithLabelValues(config.ModalityFace))
	defer timer.ObserveDuration()

	switch {
	case frameErr != nil || len(frames) == 0:
		out.Reason = "video frames could not be decoded"
	case profErr != nil || profile == nil || len(profile.Face) == 0:
		out.Reason = "face verification unavailable"
	default:
		emb, err := p.faceEmbedding(ctx, frames)
		if errors.Is(err, ErrNoFaceDetected) {
			// Valid media, zero usable faces: measured score of 0.
			out.Available = true
			out.Score = 0
			out.Reason = "face not found"
			return
		}
		if err != nil {
			logging.Warnw("face extraction failed", "challenge", ch.ID, "err", err)
			out.Reason = "face verification unavailable"
			break
		}
		out.Available = true
		out.Score = ClampScore(Cosine(emb, profile.Face))
		out.Pass = out.Score >= ch.Thresholds.Face
		if !out.Pass {
			out.Reason = "face mismatch"
		}
		return
	}
	modalityFailures.WithLabelValues(ch.ID, config.ModalityFace).Inc()
}

// faceEmbedding runs detect+embed over the frame set and averages the
// successful embeddings. Frames without a detectable face are skipped, not
// fatal; zero successes yields ErrNoFaceDetected.
func (p *Pipeline) faceEmbedding(ctx context.Context, frames []image.Image) ([]float32, error) {
	embeddings := make([][]float32, 0, len(frames))
	for i, frame := range frames {
		emb, err := p.Face.DetectEmbed(ctx, frame)
		if err != nil {
			if errors.Is(err, model.ErrNoFace) {
				logging.Debugw("no face in frame", "frame", i)
			} else {
				logging.Warnw("frame embedding failed", "frame", i, "err", err)
			}
			continue
		}
		embeddings = append(embeddings, emb)
	}
	if len(embeddings) == 0 {
		return nil, ErrNoFaceDetected
	}
	mean := MeanVector(embeddings)
	if mean == nil {
		return nil, ErrNoFaceDetected
	}
	return mean, nil
}
