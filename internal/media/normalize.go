package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/liveness-lab/internal/logging"
)

// Normalizer converts arbitrary uploaded audio/video into canonical forms:
// mono 16 kHz waveforms and sparsely sampled RGB frames. Container formats
// (mp3, mp4, anything non-PCM) are decoded by shelling out to ffmpeg; plain
// PCM WAVs are handled in-process.
type Normalizer struct {
	// FFmpeg is the ffmpeg binary to invoke. Empty means "ffmpeg" on PATH.
	FFmpeg string
}

// NewNormalizer returns a Normalizer using ffmpeg from PATH.
func NewNormalizer() *Normalizer { return &Normalizer{FFmpeg: "ffmpeg"} }

func (n *Normalizer) ffmpeg() string {
	if n.FFmpeg != "" {
		return n.FFmpeg
	}
	return "ffmpeg"
}

// NormalizeAudioBytes converts an uploaded audio blob into a canonical
// waveform. PCM16 WAVs are parsed, downmixed and resampled in-process;
// anything else round-trips through ffmpeg in the scratch directory.
func (n *Normalizer) NormalizeAudioBytes(ctx context.Context, blob []byte, scratch *Scratch) (*Waveform, error) {
	if len(blob) == 0 {
		return nil, ErrEmptyInput
	}
	if IsWAV(blob) {
		samples, channels, rate, err := ParseWAV(blob)
		if err == nil {
			return canonicalize(samples, channels, rate)
		}
		// Non-PCM WAV variants (ADPCM, float) fall through to ffmpeg.
		logging.Debugw("in-process wav parse failed, falling back to ffmpeg", "err", err)
	}
	src, err := scratch.WriteFile("upload_audio.bin", blob)
	if err != nil {
		return nil, err
	}
	return n.decodeWithFFmpeg(ctx, src, scratch, "audio")
}

// NormalizeAudioFile is NormalizeAudioBytes for a file already on disk.
func (n *Normalizer) NormalizeAudioFile(ctx context.Context, path string, scratch *Scratch) (*Waveform, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, NewDecodeError("audio", err)
	}
	return n.NormalizeAudioBytes(ctx, blob, scratch)
}

// ExtractAudio pulls the embedded audio track out of a video file and
// canonicalizes it through the same mono/16 kHz path.
func (n *Normalizer) ExtractAudio(ctx context.Context, videoPath string, scratch *Scratch) (*Waveform, error) {
	return n.decodeWithFFmpeg(ctx, videoPath, scratch, "video")
}

// decodeWithFFmpeg asks ffmpeg to produce a mono 16 kHz PCM16 WAV from src
// and parses the result.
func (n *Normalizer) decodeWithFFmpeg(ctx context.Context, src string, scratch *Scratch, format string) (*Waveform, error) {
	out := scratch.Path("canonical.wav")
	args := []string{
		"-y",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", CanonicalRate),
		"-c:a", "pcm_s16le",
		out,
	}
	if err := n.run(ctx, format, args); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(out)
	if err != nil {
		return nil, NewDecodeError(format, err)
	}
	samples, channels, rate, err := ParseWAV(blob)
	if err != nil {
		return nil, err
	}
	return canonicalize(samples, channels, rate)
}

// run executes ffmpeg with the given args, translating failures into
// DecodeErrors that carry the tail of stderr for the operator log.
func (n *Normalizer) run(ctx context.Context, format string, args []string) error {
	cmd := exec.CommandContext(ctx, n.ffmpeg(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		logging.Warnw("ffmpeg failed", "format", format, "err", err, "output", tail)
		return NewDecodeError(format, fmt.Errorf("ffmpeg: %w", err))
	}
	return nil
}

// canonicalize enforces the waveform invariant: one channel, exactly
// CanonicalRate samples per second.
func canonicalize(samples []int16, channels, rate int) (*Waveform, error) {
	mono := DownmixMono(samples, channels)
	if len(mono) == 0 {
		return nil, ErrEmptyInput
	}
	mono, err := Resample(mono, rate, CanonicalRate)
	if err != nil {
		return nil, err
	}
	if len(mono) == 0 {
		return nil, ErrEmptyInput
	}
	return &Waveform{SampleRate: CanonicalRate, Samples: mono}, nil
}
