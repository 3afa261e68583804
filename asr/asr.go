package asr

import (
	"context"
	"fmt"
)

// SpeechRecognitionAPI turns audio into text. data is always a 16kHz mono
// 16-bit PCM WAV file, as produced by media.FFmpegResampleAudioFromFile.
type SpeechRecognitionAPI interface {
	Run(ctx context.Context, data []byte) (*ASROutput, error)
}

type ASROutput struct {
	Text string
	// ModelName is prefixed with the backend, used for the model name in the database
	ModelName string
	// Language is empty if the backend doesn't report it
	Language string
}

type Backend string

const (
	BackendHuggingFace    Backend = "huggingface"
	BackendOpenAI         Backend = "openai"
	BackendWorkersWhisper Backend = "workers_whisper"
)

var ErrEmptyResult = fmt.Errorf("asr backend returned no result")

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendHuggingFace, BackendOpenAI, BackendWorkersWhisper:
		return b, nil
	case "":
		return BackendHuggingFace, nil
	default:
		return "", fmt.Errorf("unknown asr backend %q", s)
	}
}
