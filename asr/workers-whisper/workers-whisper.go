package workerswhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/K3das/clementine/asr"
)

// used for the model name in the database
const apiPrefix = "workers_whisper-"

const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

type CloudflareResponse[T any] struct {
	Result   *T                `json:"result"`
	Success  bool              `json:"success"`
	Errors   []CloudflareError `json:"errors"`
	Messages []any             `json:"messages"`
}

type CloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type SpeechRecognitionResponse struct {
	// The transcription
	Text      string  `json:"text"`
	Vtt       string  `json:"vtt"`
	WordCount float64 `json:"word_count"`
}

type WorkersWhisperClient struct {
	account string
	token   string
	model   string
	baseURL string

	http *http.Client
}

type WorkersWhisperClientOptions struct {
	Account   string `env:"ACCOUNT_ID"`
	Token     string `env:"TOKEN"`
	ModelName string `env:"MODEL_NAME" envDefault:"@cf/openai/whisper"`
	BaseURL   string `env:"BASE_URL" envDefault:"https://api.cloudflare.com/client/v4"`
}

func NewWorkersWhisperClient(options WorkersWhisperClientOptions, httpClient *http.Client) (*WorkersWhisperClient, error) {
	if options.Account == "" || options.Token == "" {
		return nil, fmt.Errorf("workers whisper needs both an account id and a token")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &WorkersWhisperClient{
		account: options.Account,
		token:   options.Token,
		model:   options.ModelName,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}, nil
}

func (w *WorkersWhisperClient) runCF(ctx context.Context, data []byte) (*CloudflareResponse[SpeechRecognitionResponse], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/accounts/%s/ai/run/%s", w.baseURL, w.account, w.model), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("non-ok http response: [%d] %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
	}

	var cfResp *CloudflareResponse[SpeechRecognitionResponse]
	err = json.NewDecoder(resp.Body).Decode(&cfResp)
	if err != nil {
		return nil, fmt.Errorf("decoding response json: %w", err)
	}

	return cfResp, nil
}

func (w *WorkersWhisperClient) Run(ctx context.Context, data []byte) (*asr.ASROutput, error) {
	resp, err := w.runCF(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if !resp.Success {
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("request unsuccessful: [%d] %s", resp.Errors[0].Code, resp.Errors[0].Message)
		}
		return nil, fmt.Errorf("request unsuccessful")
	}
	if resp.Result == nil {
		return nil, asr.ErrEmptyResult
	}
	text := strings.TrimSpace(resp.Result.Text)
	if text == "" {
		return nil, asr.ErrEmptyResult
	}

	return &asr.ASROutput{
		ModelName: apiPrefix + w.model,
		Text:      text,
	}, nil
}
