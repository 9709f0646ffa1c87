package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

// CanonicalRate is the sample rate every waveform is normalized to. The
// wrapped voice models require mono 16 kHz input.
const CanonicalRate = 16000

// Waveform is mono PCM audio at a known sample rate. After normalization
// the invariant holds: one channel, SampleRate == CanonicalRate.
type Waveform struct {
	SampleRate int
	Samples    []int16
}

// Duration returns the waveform length as wall time.
func (w *Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// PCMBytes returns the samples as little-endian 16-bit PCM.
func (w *Waveform) PCMBytes() []byte {
	out := make([]byte, len(w.Samples)*2)
	for i, s := range w.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// WAVBytes wraps the waveform in a RIFF/WAVE container.
func (w *Waveform) WAVBytes() []byte {
	return BuildWAV(w.PCMBytes(), w.SampleRate, 1, 16)
}

// BuildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data). sampleRate in Hz, channels, bitsPerSample
// (commonly 16) are used to populate the header.
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// ParseWAV decodes a 16-bit PCM RIFF/WAVE blob and returns the interleaved
// samples plus channel count and sample rate. Compressed or non-16-bit WAVs
// are rejected; those go through the ffmpeg path instead.
func ParseWAV(b []byte) (samples []int16, channels, sampleRate int, err error) {
	if !IsWAV(b) {
		return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("missing RIFF/WAVE header"))
	}
	pos := 12
	var fmtSeen bool
	var bitsPerSample int
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		avail := len(b) - body
		switch id {
		case "fmt ":
			if size < 16 || size > avail {
				return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("fmt chunk too short"))
			}
			audioFormat := int(binary.LittleEndian.Uint16(b[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			if audioFormat != 1 || bitsPerSample != 16 {
				return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("unsupported format=%d bits=%d", audioFormat, bitsPerSample))
			}
			if channels <= 0 || sampleRate <= 0 {
				return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("invalid fmt: channels=%d rate=%d", channels, sampleRate))
			}
			fmtSeen = true
		case "data":
			if !fmtSeen {
				return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("data chunk before fmt"))
			}
			if size > avail {
				// A cut-off upload must fail loudly, not yield a shorter
				// waveform.
				return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("truncated data chunk: declared %d bytes, %d present", size, avail))
			}
			n := size / 2
			samples = make([]int16, n)
			for i := 0; i < n; i++ {
				samples[i] = int16(binary.LittleEndian.Uint16(b[body+i*2 : body+i*2+2]))
			}
			return samples, channels, sampleRate, nil
		}
		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return nil, 0, 0, NewDecodeError("wav", fmt.Errorf("no data chunk"))
}

// DownmixMono collapses interleaved multi-channel samples to one channel by
// averaging the channels of each frame. A mono input is returned as-is.
func DownmixMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using band-limited
// interpolation. Returns the input unchanged when the rates already match.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate == dstRate {
		return samples, nil
	}
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("media: invalid sample rate %d -> %d", srcRate, dstRate)
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("media: create resampler: %w", err)
	}
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("media: resample: %w", err)
	}
	out := make([]int16, len(output))
	for i, v := range output {
		switch {
		case v > 1.0:
			out[i] = 32767
		case v < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(v * 32767.0)
		}
	}
	return out, nil
}
