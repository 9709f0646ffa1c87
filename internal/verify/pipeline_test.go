package verify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveness-lab/internal/config"
	"github.com/liveness-lab/internal/media"
	"github.com/liveness-lab/internal/model"
)

// testWAV builds a canonical-rate mono WAV of the given duration so the
// in-process decode path is exercised without shelling out.
func testWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	n := int(seconds * media.CanonicalRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/media.CanonicalRate))
	}
	wf := &media.Waveform{SampleRate: media.CanonicalRate, Samples: samples}
	return wf.WAVBytes()
}

// unitVec returns a 2-d unit vector whose cosine against [1,0] is c.
func unitVec(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

// fakeSpeaker returns the reference embedding on the first call and the
// upload embedding afterwards, matching the build-profile-then-score order.
type fakeSpeaker struct {
	calls     atomic.Int32
	reference []float32
	upload    []float32
	uploadErr error
}

func (f *fakeSpeaker) Embed(ctx context.Context, wf *media.Waveform) ([]float32, error) {
	if f.calls.Add(1) == 1 {
		return f.reference, nil
	}
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.upload, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wf *media.Waveform, language, initialPrompt string) (string, error) {
	return f.text, f.err
}

type fakeFace struct {
	embedding []float32
	err       error
}

func (f *fakeFace) DetectEmbed(ctx context.Context, frame image.Image) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embedding, nil
}

func audioChallenge(t *testing.T, voiceThreshold, textThreshold float64) *config.Challenge {
	t.Helper()
	ref := filepath.Join(t.TempDir(), "reference.wav")
	require.NoError(t, os.WriteFile(ref, testWAV(t, 3), 0o644))
	return &config.Challenge{
		ID:             "voice-gate",
		Kind:           config.KindAudio,
		ReferenceAsset: ref,
		ExpectedText:   "open the gate",
		FlagPrefix:     "VoiceAuth",
		MinDurationSec: 2,
		Modalities:     []string{config.ModalityVoice, config.ModalityText},
		Thresholds:     config.Thresholds{Voice: voiceThreshold, Text: textThreshold},
	}
}

func newTestPipeline(t *testing.T, speaker VoiceEmbedder, tr Transcriber, face FaceEmbedder) *Pipeline {
	t.Helper()
	return NewPipeline(media.NewNormalizer(), speaker, tr, face, t.TempDir())
}

func TestVerifyAudioPass(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.85)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	upload := testWAV(t, 3)
	res, err := p.Verify(context.Background(), ch, upload)
	require.NoError(t, err)

	require.NotNil(t, res.Voice)
	assert.True(t, res.Voice.Available)
	assert.InDelta(t, 0.85, res.Voice.Score, 1e-4)
	assert.True(t, res.Voice.Pass)

	require.NotNil(t, res.Text)
	assert.True(t, res.Text.Available)
	assert.InDelta(t, 1.0, res.Text.Score, 1e-9)
	assert.True(t, res.Text.Pass)
	assert.Equal(t, "open the gate", res.Transcript)

	assert.Nil(t, res.Face)
	assert.True(t, res.Verdict)
	assert.Empty(t, res.Failures)
	assert.Equal(t, FormatFlag("VoiceAuth", CompletionToken("voice-gate", upload)), res.Flag)
}

func TestVerifyAudioVoiceMismatch(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.3)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)

	assert.False(t, res.Verdict)
	assert.False(t, res.Voice.Pass)
	assert.InDelta(t, 0.3, res.Voice.Score, 1e-4)
	assert.True(t, res.Text.Pass)
	assert.Equal(t, []string{"voiceprint mismatch"}, res.Failures)
	assert.Empty(t, res.Flag)
}

func TestVerifyBoundaryInclusive(t *testing.T) {
	// A score exactly at the threshold passes.
	ch := audioChallenge(t, 1.0, 1.0)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(1)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)
	assert.True(t, res.Voice.Pass)
	assert.True(t, res.Text.Pass)
	assert.True(t, res.Verdict)
}

func TestVerifyTranscriberUnavailable(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.9)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{err: errors.New("boom")}, nil)

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)

	assert.False(t, res.Verdict)
	assert.True(t, res.Voice.Pass)
	assert.False(t, res.Text.Available)
	assert.False(t, res.Text.Pass)
	assert.Contains(t, res.Failures, "speech recognition unavailable")
	assert.Empty(t, res.Transcript)
}

func TestVerifySpeakerUnavailable(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), uploadErr: model.NewExtractionError("voice", errors.New("503"))}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)

	assert.False(t, res.Verdict)
	assert.False(t, res.Voice.Available)
	assert.Contains(t, res.Failures, "voice verification unavailable")
}

func TestVerifyTooShort(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(1)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	_, err := p.Verify(context.Background(), ch, testWAV(t, 1))
	require.Error(t, err)
	verr, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "duration", verr.Requirement)
}

func TestVerifyEmptyUpload(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	p := newTestPipeline(t, &fakeSpeaker{reference: unitVec(1)}, &fakeTranscriber{}, nil)

	_, err := p.Verify(context.Background(), ch, nil)
	assert.ErrorIs(t, err, media.ErrEmptyInput)
}

func triChallenge() *config.Challenge {
	return &config.Challenge{
		ID:           "tri-gate",
		Kind:         config.KindVideo,
		ExpectedText: "secure the perimeter",
		FlagPrefix:   "TriAuth",
		Modalities:   []string{config.ModalityFace, config.ModalityVoice, config.ModalityText},
		Thresholds:   config.Thresholds{Face: 0.9, Voice: 0.85, Text: 0.7},
	}
}

func testFrames(n int) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		frames[i] = image.NewNRGBA(image.Rect(0, 0, 4, 4))
	}
	return frames
}

func TestScoreFacePassAtHighThreshold(t *testing.T) {
	ch := triChallenge()
	p := newTestPipeline(t, nil, nil, &fakeFace{embedding: unitVec(0.92)})
	profile := &ReferenceProfile{Face: unitVec(1)}

	out := &ModalityResult{}
	p.scoreFace(context.Background(), ch, profile, nil, testFrames(3), nil, out)

	assert.True(t, out.Available)
	assert.InDelta(t, 0.92, out.Score, 1e-4)
	assert.True(t, out.Pass)
	assert.Empty(t, out.Reason)
}

func TestScoreFaceNotFound(t *testing.T) {
	// No face in any frame is a measured result, not an internal failure.
	ch := triChallenge()
	p := newTestPipeline(t, nil, nil, &fakeFace{err: model.ErrNoFace})
	profile := &ReferenceProfile{Face: unitVec(1)}

	out := &ModalityResult{}
	p.scoreFace(context.Background(), ch, profile, nil, testFrames(3), nil, out)

	assert.True(t, out.Available)
	assert.Zero(t, out.Score)
	assert.False(t, out.Pass)
	assert.Equal(t, "face not found", out.Reason)
}

func TestScoreFaceNoFrames(t *testing.T) {
	ch := triChallenge()
	p := newTestPipeline(t, nil, nil, &fakeFace{embedding: unitVec(1)})

	out := &ModalityResult{}
	p.scoreFace(context.Background(), ch, &ReferenceProfile{Face: unitVec(1)}, nil, nil, media.ErrNoFrames, out)

	assert.False(t, out.Available)
	assert.Equal(t, "video frames could not be decoded", out.Reason)
}

func TestScoreFaceMismatchBelowThreshold(t *testing.T) {
	ch := triChallenge()
	p := newTestPipeline(t, nil, nil, &fakeFace{embedding: unitVec(0.7)})

	out := &ModalityResult{}
	p.scoreFace(context.Background(), ch, &ReferenceProfile{Face: unitVec(1)}, nil, testFrames(2), nil, out)

	assert.True(t, out.Available)
	assert.False(t, out.Pass)
	assert.Equal(t, "face mismatch", out.Reason)
}

func TestFaceEmbeddingSkipsFailedFrames(t *testing.T) {
	var calls atomic.Int32
	face := faceFunc(func(ctx context.Context, frame image.Image) ([]float32, error) {
		if calls.Add(1)%2 == 1 {
			return nil, model.ErrNoFace
		}
		return unitVec(0.9), nil
	})
	p := newTestPipeline(t, nil, nil, face)

	emb, err := p.faceEmbedding(context.Background(), testFrames(4))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, Cosine(emb, unitVec(1)), 1e-4)
}

type faceFunc func(ctx context.Context, frame image.Image) ([]float32, error)

func (f faceFunc) DetectEmbed(ctx context.Context, frame image.Image) ([]float32, error) {
	return f(ctx, frame)
}

func TestProfileStoreBuildsOnce(t *testing.T) {
	store := newProfileStore()
	ch := &config.Challenge{ID: "once"}
	var builds atomic.Int32
	build := func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		builds.Add(1)
		return &ReferenceProfile{Voice: unitVec(1)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			profile, err := store.get(context.Background(), ch, build)
			assert.NoError(t, err)
			assert.NotNil(t, profile)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), builds.Load())
}

func TestProfileStoreCachesErrors(t *testing.T) {
	store := newProfileStore()
	ch := &config.Challenge{ID: "broken"}
	var builds atomic.Int32
	build := func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		builds.Add(1)
		return nil, fmt.Errorf("asset missing")
	}

	_, err1 := store.get(context.Background(), ch, build)
	_, err2 := store.get(context.Background(), ch, build)
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, int32(1), builds.Load())
}

func TestVerifyProfileBuildFailureDegradesVoice(t *testing.T) {
	ch := audioChallenge(t, 0.5, 0.7)
	ch.ReferenceAsset = filepath.Join(t.TempDir(), "missing.wav")
	p := newTestPipeline(t, &fakeSpeaker{reference: unitVec(1)}, &fakeTranscriber{text: "open the gate"}, nil)

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)

	assert.False(t, res.Verdict)
	assert.False(t, res.Voice.Available)
	assert.Contains(t, res.Failures, "voice verification unavailable")
	// Text scoring does not depend on the reference profile.
	assert.True(t, res.Text.Pass)
}

// fakeNormalizer stands in for the ffmpeg-backed normalizer on video paths.
type fakeNormalizer struct {
	wf       *media.Waveform
	frames   []image.Image
	audioErr error
	frameErr error
}

func (f *fakeNormalizer) audio() (*media.Waveform, error) {
	if f.audioErr != nil {
		return nil, f.audioErr
	}
	return f.wf, nil
}

func (f *fakeNormalizer) NormalizeAudioBytes(ctx context.Context, blob []byte, scratch *media.Scratch) (*media.Waveform, error) {
	return f.audio()
}

func (f *fakeNormalizer) NormalizeAudioFile(ctx context.Context, path string, scratch *media.Scratch) (*media.Waveform, error) {
	return f.audio()
}

func (f *fakeNormalizer) ExtractAudio(ctx context.Context, videoPath string, scratch *media.Scratch) (*media.Waveform, error) {
	return f.audio()
}

func (f *fakeNormalizer) ExtractFrames(ctx context.Context, videoPath string, scratch *media.Scratch) ([]image.Image, error) {
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	return f.frames, nil
}

// countingFace returns the reference embedding for the profile build and the
// upload embedding afterwards, mirroring fakeSpeaker.
type countingFace struct {
	calls     atomic.Int32
	reference []float32
	upload    []float32
}

func (f *countingFace) DetectEmbed(ctx context.Context, frame image.Image) ([]float32, error) {
	if f.calls.Add(1) == 1 {
		return f.reference, nil
	}
	return f.upload, nil
}

func testVideoWaveform() *media.Waveform {
	return &media.Waveform{SampleRate: media.CanonicalRate, Samples: make([]int16, media.CanonicalRate*3)}
}

func TestVerifyVideoVoiceMismatchOnly(t *testing.T) {
	// Face and text clear their gates; only the voiceprint misses, so the
	// verdict fails listing exactly that reason.
	ch := triChallenge()
	ch.ReferenceAsset = "assets/tri-gate/reference.mp4"
	ch.ExpectedText = "abcde"

	norm := &fakeNormalizer{wf: testVideoWaveform(), frames: testFrames(1)}
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.4)}
	face := &countingFace{reference: unitVec(1), upload: unitVec(0.92)}
	// MatchRatio("abcde", "abcdx") = 0.8.
	p := NewPipeline(norm, speaker, &fakeTranscriber{text: "abcdx"}, face, t.TempDir())

	upload := []byte("mp4 payload")
	res, err := p.Verify(context.Background(), ch, upload)
	require.NoError(t, err)

	require.NotNil(t, res.Face)
	assert.True(t, res.Face.Pass)
	assert.InDelta(t, 0.92, res.Face.Score, 1e-4)

	require.NotNil(t, res.Voice)
	assert.False(t, res.Voice.Pass)
	assert.InDelta(t, 0.4, res.Voice.Score, 1e-4)

	require.NotNil(t, res.Text)
	assert.True(t, res.Text.Pass)
	assert.InDelta(t, 0.8, res.Text.Score, 1e-9)

	assert.False(t, res.Verdict)
	assert.Equal(t, []string{"voiceprint mismatch"}, res.Failures)
	assert.Empty(t, res.Flag)
}

func TestVerifyVideoAllGatesPass(t *testing.T) {
	ch := triChallenge()
	ch.ReferenceAsset = "assets/tri-gate/reference.mp4"
	ch.ExpectedText = "abcde"

	norm := &fakeNormalizer{wf: testVideoWaveform(), frames: testFrames(1)}
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.9)}
	face := &countingFace{reference: unitVec(1), upload: unitVec(0.95)}
	p := NewPipeline(norm, speaker, &fakeTranscriber{text: "abcde"}, face, t.TempDir())

	upload := []byte("mp4 payload")
	res, err := p.Verify(context.Background(), ch, upload)
	require.NoError(t, err)

	assert.True(t, res.Verdict)
	assert.Empty(t, res.Failures)
	assert.Equal(t, FormatFlag("TriAuth", CompletionToken("tri-gate", upload)), res.Flag)
}

func TestVerifyVideoNothingDecodable(t *testing.T) {
	ch := triChallenge()
	norm := &fakeNormalizer{
		audioErr: media.NewDecodeError("video", errors.New("moov atom not found")),
		frameErr: media.ErrNoFrames,
	}
	p := NewPipeline(norm, &fakeSpeaker{}, &fakeTranscriber{}, &fakeFace{}, t.TempDir())

	_, err := p.Verify(context.Background(), ch, []byte("junk"))
	require.Error(t, err)
	var derr *media.DecodeError
	assert.ErrorAs(t, err, &derr)
}

func TestVerifyVideoAudioTrackMissingDegradesVoiceAndText(t *testing.T) {
	ch := triChallenge()
	ch.ReferenceAsset = "assets/tri-gate/reference.mp4"

	norm := &fakeNormalizer{audioErr: media.NewDecodeError("video", errors.New("no audio stream")), frames: testFrames(1)}
	face := &countingFace{reference: unitVec(1), upload: unitVec(0.95)}
	p := NewPipeline(norm, &fakeSpeaker{}, &fakeTranscriber{}, face, t.TempDir())

	res, err := p.Verify(context.Background(), ch, []byte("mp4 payload"))
	require.NoError(t, err)

	// Frames still decoded, but the profile build needs the reference audio
	// track too, so face degrades alongside voice and text.
	assert.False(t, res.Verdict)
	assert.False(t, res.Voice.Available)
	assert.False(t, res.Text.Available)
	assert.Contains(t, res.Failures, "audio track could not be decoded")
}

func TestProfileStoreRetriesAfterInterruptedBuild(t *testing.T) {
	store := newProfileStore()
	ch := &config.Challenge{ID: "cold-start"}
	var builds atomic.Int32

	interrupted := func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		builds.Add(1)
		return nil, fmt.Errorf("reference voiceprint: %w", context.Canceled)
	}
	_, err := store.get(context.Background(), ch, interrupted)
	require.ErrorIs(t, err, context.Canceled)

	healthy := func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		builds.Add(1)
		return &ReferenceProfile{Voice: unitVec(1)}, nil
	}
	profile, err := store.get(context.Background(), ch, healthy)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, int32(2), builds.Load())

	// The successful build is now cached.
	_, err = store.get(context.Background(), ch, healthy)
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
}

func TestProfileStoreRetriesAfterDeadlineExpiry(t *testing.T) {
	store := newProfileStore()
	ch := &config.Challenge{ID: "slow-model"}

	expired := func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		return nil, context.DeadlineExceeded
	}
	_, err := store.get(context.Background(), ch, expired)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	profile, err := store.get(context.Background(), ch, func(ctx context.Context, ch *config.Challenge) (*ReferenceProfile, error) {
		return &ReferenceProfile{Voice: unitVec(1)}, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, profile)
}

func TestVerifyRecoversAfterCancelledFirstRequest(t *testing.T) {
	// A cancelled first request must not leave the challenge permanently
	// reporting voice verification unavailable.
	ch := audioChallenge(t, 0.5, 0.7)
	speaker := &fakeSpeaker{reference: unitVec(1), upload: unitVec(0.9)}
	p := newTestPipeline(t, speaker, &fakeTranscriber{text: "open the gate"}, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = p.Verify(cancelled, ch, testWAV(t, 3))

	res, err := p.Verify(context.Background(), ch, testWAV(t, 3))
	require.NoError(t, err)
	require.NotNil(t, res.Voice)
	assert.True(t, res.Voice.Available)
	assert.True(t, res.Voice.Pass)
	assert.True(t, res.Verdict)
}
