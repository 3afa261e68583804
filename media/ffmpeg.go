package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/K3das/clementine/utils"
)

// FFmpegResampleAudioFromFile decodes the input and re-encodes it as 16kHz mono
// 16-bit PCM WAV, outputting the data as bytes
func (f *FFmpeg) FFmpegResampleAudioFromFile(ctx context.Context, filePath string, maxSize int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		f.ffmpegBinary,
		"-nostdin",
		"-v", "error",
		"-i", filePath,
		"-vn",
		"-c:a", "pcm_s16le",
		"-ar:a", strconv.Itoa(OutputSampleRate),
		"-ac:a", strconv.Itoa(OutputChannels),
		"-f", "wav",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	output, err := utils.ReadAllLimit(stdout, maxSize)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("reading output: %w", err)
	}

	err = cmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("running ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return output, nil
}
