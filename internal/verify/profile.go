package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/logging"
	"github.com/liveness-lab/internal/media"
)

// ReferenceProfile is the stored target identity: the reference speaker's
// voiceprint, the reference face embedding (video challenges only), and the
// phrase the user must speak. Built once per challenge at first use, then
// immutable and safe for unsynchronized concurrent reads.
type ReferenceProfile struct {
	Voice        []float32
	Face         []float32
	ExpectedText string
}

type profileEntry struct {
	mu      sync.Mutex
	done    bool
	profile *ReferenceProfile
	err     error
}

// profileStore guards the construct-once initialization of reference
// profiles. Concurrent first use of the same challenge builds exactly once.
// Build errors are cached, since a broken reference asset is a deployment
// fault that will not heal by retrying per request; cancellations and
// deadline expiries are the exception, because an interrupted build says
// nothing about the asset and must not poison the entry.
type profileStore struct {
	mu      sync.Mutex
	entries map[string]*profileEntry
}

func newProfileStore() *profileStore {
	return &profileStore{entries: make(map[string]*profileEntry)}
}

func (s *profileStore) get(ctx context.Context, ch *config.Challenge, build func(context.Context, *config.Challenge) (*ReferenceProfile, error)) (*ReferenceProfile, error) {
	s.mu.Lock()
	e, ok := s.entries[ch.ID]
	if !ok {
		e = &profileEntry{}
		s.entries[ch.ID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.profile, e.err
	}
	profile, err := build(ctx, ch)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Transient: the next request retries the build.
			logging.Warnw("reference profile build interrupted", "challenge", ch.ID, "err", err)
			return nil, err
		}
		e.done, e.err = true, err
		logging.Errorw("reference profile build failed", "challenge", ch.ID, "err", err)
		return nil, err
	}
	e.done, e.profile = true, profile
	logging.Infow("reference profile built", "challenge", ch.ID, "voice_dim", len(profile.Voice), "face_dim", len(profile.Face))
	return profile, nil
}

// buildProfile computes the reference profile from the challenge's bundled
// asset: the same normalization and extraction paths as a user upload.
func (p *Pipeline) buildProfile(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
	scratch, err := media.NewScratch(p.ScratchRoot)
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	profile := &ReferenceProfile{ExpectedText: ch.ExpectedText}

	var wf *media.Waveform
	if ch.Kind == config.KindVideo {
		wf, err = p.Normalizer.ExtractAudio(ctx, ch.ReferenceAsset, scratch)
	} else {
		wf, err = p.Normalizer.NormalizeAudioFile(ctx, ch.ReferenceAsset, scratch)
	}
	if err != nil {
		return nil, fmt.Errorf("reference audio: %w", err)
	}
	profile.Voice, err = p.Speaker.Embed(ctx, wf)
	if err != nil {
		return nil, fmt.Errorf("reference voiceprint: %w", err)
	}

	if ch.HasModality(config.ModalityFace) {
		frames, err := p.Normalizer.ExtractFrames(ctx, ch.ReferenceAsset, scratch)
		if err != nil {
			return nil, fmt.Errorf("reference frames: %w", err)
		}
		profile.Face, err = p.faceEmbedding(ctx, frames)
		if err != nil {
			return nil, fmt.Errorf("reference face: %w", err)
		}
	}
	return profile, nil
}
