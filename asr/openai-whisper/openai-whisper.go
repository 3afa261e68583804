package openaiwhisper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/K3das/clementine/asr"
	"github.com/sashabaranov/go-openai"
)

// used for the model name in the database
const apiPrefix = "openai-"

// the API derives the container format from the file name
const uploadFileName = "audio.wav"

type OpenAIWhisperClient struct {
	client   *openai.Client
	model    string
	language string
}

type OpenAIWhisperClientOptions struct {
	APIKey    string `env:"API_KEY"`
	ModelName string `env:"MODEL_NAME" envDefault:"whisper-1"`
	// BaseURL points at any OpenAI compatible transcription server
	BaseURL string `env:"BASE_URL"`
	// Language is an optional ISO-639-1 hint
	Language string `env:"LANGUAGE"`
}

func NewOpenAIWhisperClient(options OpenAIWhisperClientOptions, httpClient *http.Client) (*OpenAIWhisperClient, error) {
	if options.APIKey == "" && options.BaseURL == "" {
		return nil, fmt.Errorf("openai whisper needs an api key or a custom base url")
	}

	cfg := openai.DefaultConfig(options.APIKey)
	if options.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(options.BaseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	model := options.ModelName
	if model == "" {
		model = openai.Whisper1
	}

	return &OpenAIWhisperClient{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: options.Language,
	}, nil
}

func (c *OpenAIWhisperClient) Run(ctx context.Context, data []byte) (*asr.ASROutput, error) {
	req := openai.AudioRequest{
		Model:    c.model,
		FilePath: uploadFileName,
		Reader:   bytes.NewReader(data),
		Language: c.language,
		Format:   openai.AudioResponseFormatJSON,
	}
	// only the whisper models report the detected language
	if strings.HasPrefix(c.model, "whisper") {
		req.Format = openai.AudioResponseFormatVerboseJSON
	}

	resp, err := c.client.CreateTranscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, asr.ErrEmptyResult
	}

	return &asr.ASROutput{
		ModelName: apiPrefix + c.model,
		Text:      text,
		Language:  resp.Language,
	}, nil
}
