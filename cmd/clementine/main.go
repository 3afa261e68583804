package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/K3das/clementine/asr"
	hfinference "github.com/K3das/clementine/asr/hf-inference"
	openaiwhisper "github.com/K3das/clementine/asr/openai-whisper"
	workerswhisper "github.com/K3das/clementine/asr/workers-whisper"
	"github.com/K3das/clementine/media"
	"github.com/K3das/clementine/messages"
	"github.com/K3das/clementine/metrics"
	"github.com/K3das/clementine/store"
	"github.com/K3das/clementine/transcribe"
	"github.com/K3das/clementine/tunnel"
	"github.com/K3das/clementine/web"
	"github.com/caarlos0/env/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var CommitHash = ""

type config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8501"`
	// PublicURL is shown on the upload page until a tunnel reports its own
	PublicURL string `env:"PUBLIC_URL"`

	// history is disabled without a database
	PostgresDSN string `env:"POSTGRES_DSN"`

	ASRBackend            string                                       `env:"ASR_BACKEND" envDefault:"huggingface"`
	HuggingFaceOptions    hfinference.HFInferenceClientOptions         `envPrefix:"ASR_HUGGINGFACE_"`
	OpenAIOptions         openaiwhisper.OpenAIWhisperClientOptions     `envPrefix:"ASR_OPENAI_"`
	WorkersWhisperOptions workerswhisper.WorkersWhisperClientOptions `envPrefix:"ASR_WORKERS_WHISPER_"`

	MaxUploadSize        int64         `env:"MAX_UPLOAD_SIZE" envDefault:"26214400"`
	MaxDuration          float64       `env:"MAX_DURATION" envDefault:"600"`
	TranscriptionTimeout time.Duration `env:"TRANSCRIPTION_TIMEOUT" envDefault:"2m"`

	FFmpegBinary  string `env:"FFMPEG_BINARY" envDefault:"ffmpeg"`
	FFprobeBinary string `env:"FFPROBE_BINARY" envDefault:"ffprobe"`

	TunnelEnabled bool           `env:"TUNNEL_ENABLED"`
	TunnelOptions tunnel.Options `envPrefix:"TUNNEL_"`
}

const environmentPrefix = "CLEMENTINE_"
const logLevelEnvKey = environmentPrefix + "LOG_LEVEL"

func createLog() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""

	logLevelValue := os.Getenv(logLevelEnvKey)
	logLevel, logLevelErr := zapcore.ParseLevel(logLevelValue)

	if logLevelErr != nil {
		logLevel = zapcore.InfoLevel
	}

	rawLog := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		logLevel,
	)).Named("clementine")

	if CommitHash != "" {
		rawLog = rawLog.With(zap.String("commit", CommitHash))
	}

	if logLevelErr != nil && logLevelValue != "" {
		rawLog.With(zap.String(logLevelEnvKey, logLevelValue)).Warn("unable to parse log level, using INFO")
	}

	return rawLog
}

func parseConfig() (config, error) {
	cfg := config{}
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: environmentPrefix,
	})
	return cfg, err
}

func newASRClient(cfg config, httpClient *http.Client) (asr.SpeechRecognitionAPI, asr.Backend, error) {
	backend, err := asr.ParseBackend(cfg.ASRBackend)
	if err != nil {
		return nil, "", err
	}

	switch backend {
	case asr.BackendOpenAI:
		client, err := openaiwhisper.NewOpenAIWhisperClient(cfg.OpenAIOptions, httpClient)
		return client, backend, err
	case asr.BackendWorkersWhisper:
		client, err := workerswhisper.NewWorkersWhisperClient(cfg.WorkersWhisperOptions, httpClient)
		return client, backend, err
	default:
		return hfinference.NewHFInferenceClient(cfg.HuggingFaceOptions, httpClient), backend, nil
	}
}

// portFromAddr extracts the port of a listen address like ":8501".
func portFromAddr(addr string) (int, error) {
	_, portValue, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("splitting listen address: %w", err)
	}

	port, err := strconv.Atoi(portValue)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q needs a fixed port", addr)
	}

	return port, nil
}

func main() {
	parentLogger := createLog()
	defer parentLogger.Sync()

	log := parentLogger.Named("main")
	log.With(zap.String("min_log_level", parentLogger.Level().String())).Info("starting")

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal("failed to parse config", zap.Error(err))
	}

	m := metrics.New()

	messageProvider, err := messages.NewMessageProvider()
	if err != nil {
		log.Fatal("failed to create message provider", zap.Error(err))
	}

	asrClient, backend, err := newASRClient(cfg, http.DefaultClient)
	if err != nil {
		log.Fatal("failed to create asr client", zap.Error(err))
	}
	log = log.With(zap.String("asr_backend", string(backend)))

	ffmpeg := media.NewFFmpeg(
		media.WithFFmpegBinary(cfg.FFmpegBinary),
		media.WithFFprobeBinary(cfg.FFprobeBinary),
	)

	serviceOptions := []transcribe.ServiceExtraOptions{
		transcribe.WithMetrics(m),
		transcribe.WithLimits(cfg.MaxUploadSize, cfg.MaxDuration, cfg.TranscriptionTimeout),
	}
	serverOptions := []web.ServerExtraOptions{
		web.WithMetrics(m),
	}

	if cfg.PostgresDSN != "" {
		s := store.NewStore(parentLogger)
		err := s.Connect(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to connect store", zap.Error(err))
		}
		defer s.Close()

		serviceOptions = append(serviceOptions, transcribe.WithHistory(s))
		serverOptions = append(serverOptions, web.WithHistory(s))
	} else {
		log.Info("no postgres dsn, transcription history disabled")
	}

	service := transcribe.NewService(transcribe.ServiceOptions{
		ParentLogger: parentLogger,
		ASR:          asrClient,
		Backend:      backend,
		Media:        ffmpeg,
	}, serviceOptions...)

	server, err := web.NewServer(web.ServerOptions{
		ParentLogger: parentLogger,
		Transcriber:  service,
		Messages:     messageProvider,
	}, serverOptions...)
	if err != nil {
		log.Fatal("failed to create web server", zap.Error(err))
	}
	if cfg.PublicURL != "" {
		server.SetPublicURL(cfg.PublicURL)
	}

	var tunnelClient *tunnel.Client
	if cfg.TunnelEnabled {
		port, err := portFromAddr(cfg.ListenAddr)
		if err != nil {
			log.Fatal("failed to get local port for tunnel", zap.Error(err))
		}

		tunnelClient, err = tunnel.NewClient(cfg.TunnelOptions, port, parentLogger,
			tunnel.WithMetrics(m),
			tunnel.WithReadyCallback(func(info tunnel.Info, password string) {
				server.SetPublicURL(info.URL)

				ready, err := messageProvider.Render(messages.MessageTunnelReady, messages.TunnelReadyData{
					URL:      info.URL,
					Password: password,
				})
				if err != nil {
					log.Error("failed to render tunnel message", zap.Error(err))
					return
				}
				log.With(zap.String("detail", ready.Detail)).Info(ready.Body)
			}),
		)
		if err != nil {
			log.Fatal("failed to create tunnel client", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := errgroup.Group{}

	// HTTP server
	g.Go(func() error {
		defer cancel()

		return server.Run(ctx, cfg.ListenAddr)
	})

	// Tunnel, the app keeps serving locally if it fails
	if tunnelClient != nil {
		g.Go(func() error {
			return runTunnel(ctx, tunnelClient.Run, log)
		})
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdownSignal:
		cancel()
		log.Info("received signal, shutting down")
	case <-ctx.Done():
		log.Info("context done, shutting down")
	}

	err = g.Wait()
	if err != nil {
		log.Fatal("error group error", zap.Error(err))
	}
}

// runTunnel runs the tunnel until ctx is done. A tunnel that can't be opened
// is logged and doesn't take the web server down with it.
func runTunnel(ctx context.Context, run func(context.Context) error, log *zap.Logger) error {
	err := run(ctx)
	if err != nil {
		log.Error("tunnel stopped, still serving locally", zap.Error(err))
	}
	return nil
}
