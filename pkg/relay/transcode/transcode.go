package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

const stderrLimit = 512

// FFmpeg transcodes a complete compressed utterance into signed 16-bit
// little-endian mono PCM at SampleRate by piping it through an ffmpeg
// subprocess. One subprocess per call; callers run it off their event loop.
type FFmpeg struct {
	Path       string
	SampleRate int
	Timeout    time.Duration
}

func New(path string, sampleRate int, timeout time.Duration) *FFmpeg {
	return &FFmpeg{Path: path, SampleRate: sampleRate, Timeout: timeout}
}

func (f *FFmpeg) args() []string {
	return []string{
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(f.SampleRate),
		"pipe:1",
	}
}

// Transcode runs ffmpeg over in and returns the PCM output. On failure the
// error carries the exit status and a truncated tail of stderr.
func (f *FFmpeg) Transcode(ctx context.Context, in []byte) ([]byte, error) {
	if f == nil || f.Path == "" {
		return nil, fmt.Errorf("transcode: ffmpeg path not configured")
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("transcode: empty input")
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.Path, f.args()...)
	cmd.Stdin = bytes.NewReader(in)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transcode: %w", ctxErr)
		}
		return nil, fmt.Errorf("transcode: %w: %s", err, truncate(stderr.Bytes(), stderrLimit))
	}
	return stdout.Bytes(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
