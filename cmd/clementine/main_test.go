package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/K3das/clementine/asr"
	hfinference "github.com/K3das/clementine/asr/hf-inference"
	openaiwhisper "github.com/K3das/clementine/asr/openai-whisper"
	workerswhisper "github.com/K3das/clementine/asr/workers-whisper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8501", cfg.ListenAddr)
	assert.Equal(t, "huggingface", cfg.ASRBackend)
	assert.Equal(t, "openai/whisper-large-v3", cfg.HuggingFaceOptions.ModelName)
	assert.Equal(t, "whisper-1", cfg.OpenAIOptions.ModelName)
	assert.EqualValues(t, 25*1024*1024, cfg.MaxUploadSize)
	assert.Equal(t, 600.0, cfg.MaxDuration)
	assert.Equal(t, 2*time.Minute, cfg.TranscriptionTimeout)
	assert.False(t, cfg.TunnelEnabled)
	assert.Equal(t, "https://localtunnel.me", cfg.TunnelOptions.Host)
	assert.Equal(t, "localhost", cfg.TunnelOptions.LocalHost)
}

func TestParseConfigFromEnv(t *testing.T) {
	t.Setenv("CLEMENTINE_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("CLEMENTINE_ASR_BACKEND", "openai")
	t.Setenv("CLEMENTINE_ASR_OPENAI_API_KEY", "sk-test")
	t.Setenv("CLEMENTINE_ASR_HUGGINGFACE_TOKEN", "hf_test")
	t.Setenv("CLEMENTINE_TUNNEL_ENABLED", "true")
	t.Setenv("CLEMENTINE_TUNNEL_SUBDOMAIN", "quiet-fox")
	t.Setenv("CLEMENTINE_TRANSCRIPTION_TIMEOUT", "30s")

	cfg, err := parseConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "openai", cfg.ASRBackend)
	assert.Equal(t, "sk-test", cfg.OpenAIOptions.APIKey)
	assert.Equal(t, "hf_test", cfg.HuggingFaceOptions.Token)
	assert.True(t, cfg.TunnelEnabled)
	assert.Equal(t, "quiet-fox", cfg.TunnelOptions.Subdomain)
	assert.Equal(t, 30*time.Second, cfg.TranscriptionTimeout)
}

func TestNewASRClient(t *testing.T) {
	cfg, err := parseConfig()
	require.NoError(t, err)

	client, backend, err := newASRClient(cfg, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, asr.BackendHuggingFace, backend)
	assert.IsType(t, &hfinference.HFInferenceClient{}, client)

	cfg.ASRBackend = "openai"
	_, _, err = newASRClient(cfg, http.DefaultClient)
	assert.Error(t, err, "openai needs a key")

	cfg.OpenAIOptions.APIKey = "sk-test"
	client, backend, err = newASRClient(cfg, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, asr.BackendOpenAI, backend)
	assert.IsType(t, &openaiwhisper.OpenAIWhisperClient{}, client)

	cfg.ASRBackend = "workers_whisper"
	cfg.WorkersWhisperOptions.Account = "acct"
	cfg.WorkersWhisperOptions.Token = "tok"
	client, backend, err = newASRClient(cfg, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, asr.BackendWorkersWhisper, backend)
	assert.IsType(t, &workerswhisper.WorkersWhisperClient{}, client)

	cfg.ASRBackend = "nope"
	_, _, err = newASRClient(cfg, http.DefaultClient)
	assert.Error(t, err)
}

func TestPortFromAddr(t *testing.T) {
	port, err := portFromAddr(":8501")
	require.NoError(t, err)
	assert.Equal(t, 8501, port)

	port, err = portFromAddr("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = portFromAddr(":0")
	assert.Error(t, err)

	_, err = portFromAddr("localhost")
	assert.Error(t, err)
}

func TestRunTunnelFailureKeepsServing(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := runTunnel(ctx, func(context.Context) error {
		return errors.New("tunnel server error [409]: subdomain is taken")
	}, zap.New(core))
	assert.NoError(t, err)
	assert.NoError(t, ctx.Err(), "a failed tunnel must not cancel the server")

	entries := logs.FilterMessage("tunnel stopped, still serving locally").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "subdomain is taken")
}
