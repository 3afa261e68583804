package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/K3das/clementine/asr"
	"github.com/K3das/clementine/media"
	"github.com/K3das/clementine/metrics"
	"github.com/K3das/clementine/store/db"
	"github.com/K3das/clementine/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

const (
	// max upload size in bytes
	DefaultMaxUploadSize = 1024 * 1024 * 25
	// the hard limit for the number of seconds audio can be before it's not transcribed
	DefaultMaxDuration = 600
	DefaultTimeout     = time.Minute * 2
)

// bytes per second of resampled audio, plus room for the wav header
const (
	resampledBytesPerSecond = media.OutputSampleRate * media.OutputChannels * 2
	resampledHeaderSlack    = 1024
)

const historyUpdateTimeout = 5 * time.Second

// AcceptedMIMETypes are matched including mimetype's aliases (audio/x-wav, audio/mp3, ...)
var AcceptedMIMETypes = []string{"audio/mpeg", "audio/wav"}

type AudioProcessor interface {
	FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error)
	FFmpegResampleAudioFromFile(ctx context.Context, filePath string, maxSize int) ([]byte, error)
}

// History records transcriptions; *store.Store implements it.
type History interface {
	CreateStartedTranscription(ctx context.Context, arg db.CreateStartedTranscriptionParams) error
	UpdateTranscriptionDone(ctx context.Context, arg db.UpdateTranscriptionDoneParams) (db.Transcription, error)
	UpdateTranscriptionFailed(ctx context.Context, arg db.UpdateTranscriptionFailedParams) (int64, error)
}

type Upload struct {
	Filename string
	Reader   io.Reader
	// Source is where the upload came from, ie: "web" or "api"
	Source string
}

type Result struct {
	ID             uuid.UUID `json:"id"`
	Text           string    `json:"text"`
	ModelName      string    `json:"model"`
	Language       string    `json:"language,omitempty"`
	AudioDuration  float64   `json:"audio_duration"`
	ProcessingTime float64   `json:"processing_time"`
}

type Service struct {
	log *zap.Logger

	asrAPI  asr.SpeechRecognitionAPI
	backend asr.Backend
	media   AudioProcessor
	history History
	metrics *metrics.Metrics

	maxUploadSize int64
	maxDuration   float64
	timeout       time.Duration
	tempDir       string
}

type ServiceOptions struct {
	ParentLogger *zap.Logger
	ASR          asr.SpeechRecognitionAPI
	Backend      asr.Backend
	Media        AudioProcessor
}

type ServiceExtraOptions func(*Service)

// WithHistory enables recording transcriptions, nil leaves it disabled.
func WithHistory(history History) ServiceExtraOptions {
	return func(s *Service) {
		s.history = history
	}
}

func WithMetrics(m *metrics.Metrics) ServiceExtraOptions {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLimits(maxUploadSize int64, maxDuration float64, timeout time.Duration) ServiceExtraOptions {
	return func(s *Service) {
		if maxUploadSize > 0 {
			s.maxUploadSize = maxUploadSize
		}
		if maxDuration > 0 {
			s.maxDuration = maxDuration
		}
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithTempDir(dir string) ServiceExtraOptions {
	return func(s *Service) {
		s.tempDir = dir
	}
}

func NewService(options ServiceOptions, extraOptions ...ServiceExtraOptions) *Service {
	s := &Service{
		log:     options.ParentLogger.Named("transcribe"),
		asrAPI:  options.ASR,
		backend: options.Backend,
		media:   options.Media,

		maxUploadSize: DefaultMaxUploadSize,
		maxDuration:   DefaultMaxDuration,
		timeout:       DefaultTimeout,
	}
	for _, option := range extraOptions {
		option(s)
	}

	return s
}

func (s *Service) MaxUploadSize() int64 {
	return s.maxUploadSize
}

func (s *Service) HistoryEnabled() bool {
	return s.history != nil
}

// Transcribe stores the upload in a temp file, validates it and runs it
// through the asr backend.
func (s *Service) Transcribe(ctx context.Context, upload Upload) (result *Result, err error) {
	if upload.Reader == nil {
		return nil, userError("No file uploaded.", ErrEmptyUpload)
	}

	ctx, log := utils.LogContextWith(ctx, s.log, zap.String("filename", upload.Filename), zap.String("source", upload.Source))

	defer func() {
		if err == nil {
			return
		}
		if IsUserError(err) {
			log.Info("rejected upload", zap.Error(err))
		} else {
			log.Error("failed to transcribe upload", zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.ObserveTranscription(string(s.backend), metrics.StatusFailed, 0, 0)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tempfile, err := s.saveUpload(upload.Reader)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tempfile)

	err = checkFormat(tempfile)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	ctx, log = utils.LogContextWith(ctx, log, zap.Stringer("transcription_id", id))

	if s.history != nil {
		err = s.history.CreateStartedTranscription(ctx, db.CreateStartedTranscriptionParams{
			ID:       id,
			Filename: upload.Filename,
			Source:   upload.Source,
		})
		if err != nil {
			return nil, fmt.Errorf("creating in db: %w", err)
		}
	}

	result, duration, err := s.run(ctx, tempfile)
	if err != nil {
		s.markFailed(ctx, id, err, duration)
		return nil, err
	}
	result.ID = id

	if s.history != nil {
		_, err = s.history.UpdateTranscriptionDone(ctx, db.UpdateTranscriptionDoneParams{
			ID: id,
			TranscriptionModel: pgtype.Text{
				String: result.ModelName,
				Valid:  true,
			},
			Language: pgtype.Text{
				String: result.Language,
				Valid:  result.Language != "",
			},
			AudioDuration: pgtype.Float8{
				Float64: result.AudioDuration,
				Valid:   true,
			},
			ProcessingTime: pgtype.Float8{
				Float64: result.ProcessingTime,
				Valid:   true,
			},
			Text: pgtype.Text{
				String: result.Text,
				Valid:  true,
			},
		})
		if err != nil {
			// the transcript is still good, only the history row is lost
			log.Error("failed to mark transcription as done in db", zap.Error(err))
			s.markFailed(ctx, id, ExecutionError{
				Message: "Couldn't save the transcription to history.",
				Err:     fmt.Errorf("marking transcription done in db: %w", err),
			}, result.AudioDuration)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveTranscription(string(s.backend), metrics.StatusDone, result.ProcessingTime, result.AudioDuration)
	}
	log.With(
		zap.String("model", result.ModelName),
		zap.Float64("audio_duration", result.AudioDuration),
		zap.Float64("processing_time", result.ProcessingTime),
	).Info("transcribed upload")

	return result, nil
}

// run probes, resamples and transcribes the file. The probed duration is
// returned even on failure, if it was known.
func (s *Service) run(ctx context.Context, tempfile string) (*Result, float64, error) {
	start := time.Now()

	duration, err := s.media.FFprobeDurationFromFile(ctx, tempfile)
	if errors.Is(err, media.ErrFFprobeDurationInvalid) {
		return nil, 0, userError("Couldn't find any audio in the file.", err)
	} else if err != nil {
		return nil, 0, ExecutionError{
			Message: "Couldn't read the audio file.",
			Err:     fmt.Errorf("duration: %w", err),
		}
	}
	if duration > s.maxDuration {
		return nil, duration, userError(
			fmt.Sprintf("Audio is too long, the limit is %.0f seconds.", s.maxDuration),
			fmt.Errorf("%w: %fs", ErrTooLong, duration),
		)
	}

	maxOutputSize := int(s.maxDuration*resampledBytesPerSecond) + resampledHeaderSlack
	outputData, err := s.media.FFmpegResampleAudioFromFile(ctx, tempfile, maxOutputSize)
	if err != nil {
		return nil, duration, fmt.Errorf("resampling: %w", err)
	}

	transcriptionOutput, err := s.asrAPI.Run(ctx, outputData)
	if err != nil {
		return nil, duration, ExecutionError{
			Message: "Error generating transcript.",
			Err:     fmt.Errorf("generating transcript: %w", err),
		}
	}

	return &Result{
		Text:           transcriptionOutput.Text,
		ModelName:      transcriptionOutput.ModelName,
		Language:       transcriptionOutput.Language,
		AudioDuration:  duration,
		ProcessingTime: time.Since(start).Seconds(),
	}, duration, nil
}

func (s *Service) markFailed(ctx context.Context, id uuid.UUID, cause error, duration float64) {
	if s.history == nil {
		return
	}

	// ctx may already be past its deadline
	ctx, cancel := context.WithTimeout(utils.DetachedLogContext(ctx), historyUpdateTimeout)
	defer cancel()

	_, err := s.history.UpdateTranscriptionFailed(ctx, db.UpdateTranscriptionFailedParams{
		ID: id,
		Error: pgtype.Text{
			String: UserMessage(cause),
			Valid:  true,
		},
		AudioDuration: pgtype.Float8{
			Float64: duration,
			Valid:   duration > 0,
		},
	})
	if err != nil {
		utils.GetLogFromContext(ctx, s.log).Error("failed to mark transcription as failed in db", zap.Error(err))
	}
}

// saveUpload copies r into a temp file with a size limit, returning the path.
//
// It is the caller's responsibility to clean up the temp file.
func (s *Service) saveUpload(r io.Reader) (string, error) {
	tempFile, err := os.CreateTemp(s.tempDir, "clementine-*")
	if err != nil {
		return "", fmt.Errorf("making temp file: %w", err)
	}
	defer tempFile.Close()

	n, err := utils.CopyLimit(tempFile, r, s.maxUploadSize)
	if errors.Is(err, utils.ErrIOLimitReached) {
		os.Remove(tempFile.Name())
		return "", userError(
			fmt.Sprintf("File too big, the limit is %d MiB.", s.maxUploadSize/(1024*1024)),
			fmt.Errorf("%w: %w", ErrUploadTooBig, err),
		)
	} else if err != nil {
		os.Remove(tempFile.Name())
		return "", ExecutionError{
			Message: "Error receiving file.",
			Err:     fmt.Errorf("writing to the temp file: %w", err),
		}
	}
	if n == 0 {
		os.Remove(tempFile.Name())
		return "", userError("The uploaded file is empty.", ErrEmptyUpload)
	}

	return tempFile.Name(), nil
}

func checkFormat(path string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detecting file type: %w", err)
	}

	for _, accepted := range AcceptedMIMETypes {
		if mtype.Is(accepted) {
			return nil
		}
	}

	return userError(
		"Unsupported file type, upload an mp3 or wav file.",
		fmt.Errorf("%w: %s", ErrUnsupportedFormat, mtype.String()),
	)
}
