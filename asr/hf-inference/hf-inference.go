package hfinference

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
const apiPrefix = "huggingface-"

const (
	DefaultBaseURL   = "https://router.huggingface.co/hf-inference/models/"
	DefaultModelName = "openai/whisper-large-v3"
)

// max bytes of an error body kept for the error message
const maxErrorBody = 4096

type SpeechRecognitionResponse struct {
	Text   string  `json:"text"`
	Chunks []Chunk `json:"chunks,omitempty"`
}

type Chunk struct {
	Text      string     `json:"text"`
	Timestamp [2]float64 `json:"timestamp"`
}

type errorResponse struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// HFInferenceClient runs automatic-speech-recognition models through the
// Hugging Face inference API.
type HFInferenceClient struct {
	token   string
	model   string
	baseURL string

	http *http.Client
}

type HFInferenceClientOptions struct {
	Token     string `env:"TOKEN"`
	ModelName string `env:"MODEL_NAME" envDefault:"openai/whisper-large-v3"`
	BaseURL   string `env:"BASE_URL" envDefault:"https://router.huggingface.co/hf-inference/models/"`
}

func NewHFInferenceClient(options HFInferenceClientOptions, httpClient *http.Client) *HFInferenceClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &HFInferenceClient{
		token:   options.Token,
		model:   options.ModelName,
		baseURL: options.BaseURL,
		http:    httpClient,
	}
	if c.model == "" {
		c.model = DefaultModelName
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}

	return c
}

func (c *HFInferenceClient) Run(ctx context.Context, data []byte) (*asr.ASROutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.model, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Accept", "application/json")
	// cold models otherwise answer 503 until they are loaded
	req.Header.Set("x-wait-for-model", "true")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("non-ok http response: [%d] %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("non-ok http response: [%d] %s", resp.StatusCode, resp.Status)
	}

	var result SpeechRecognitionResponse
	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return nil, fmt.Errorf("decoding response json: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" && len(result.Chunks) > 0 {
		parts := make([]string, 0, len(result.Chunks))
		for _, chunk := range result.Chunks {
			parts = append(parts, strings.TrimSpace(chunk.Text))
		}
		text = strings.TrimSpace(strings.Join(parts, " "))
	}
	if text == "" {
		return nil, asr.ErrEmptyResult
	}

	return &asr.ASROutput{
		ModelName: apiPrefix + c.model,
		Text:      text,
	}, nil
}
