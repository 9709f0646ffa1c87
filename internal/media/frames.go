package media

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/liveness-lab/internal/logging"
)

// FrameRate is the temporal sampling rate for video frames. Two frames per
// second bounds face-model cost regardless of the source frame rate.
const FrameRate = 2

// ExtractFrames decodes a video container and samples frames at FrameRate.
// Returned frames are NRGBA (RGB byte order), the layout the face model
// expects. Videos that yield no decodable frames produce ErrNoFrames.
func (n *Normalizer) ExtractFrames(ctx context.Context, videoPath string, scratch *Scratch) ([]image.Image, error) {
	framesDir := scratch.Path("frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, err
	}
	args := []string{
		"-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", FrameRate),
		"-f", "image2",
		filepath.Join(framesDir, "frame_%04d.jpg"),
	}
	if err := n.run(ctx, "video", args); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, err
	}
	frames := make([]image.Image, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(framesDir, e.Name())
		img, err := openFrame(path)
		if err != nil {
			// A single undecodable frame is not fatal for the set.
			logging.Warnw("skipping undecodable frame", "path", path, "err", err)
			continue
		}
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	return frames, nil
}

func openFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		return nil, err
	}
	// Clone yields *image.NRGBA: canonical RGB ordering for the face model.
	return imaging.Clone(img), nil
}
