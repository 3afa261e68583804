package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/K3das/clementine/asr"
	"github.com/K3das/clementine/media"
	"github.com/K3das/clementine/metrics"
	"github.com/K3das/clementine/store/db"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func wavBytes() []byte {
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 36+16)
	copy(header[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], 1)
	binary.LittleEndian.PutUint32(header[24:], 16000)
	binary.LittleEndian.PutUint32(header[28:], 32000)
	binary.LittleEndian.PutUint16(header[32:], 2)
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], 16)
	return append(header, make([]byte, 16)...)
}

func mp3Bytes() []byte {
	return append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
}

type fakeMedia struct {
	duration    float64
	durationErr error
	resampleErr error

	resampleMaxSize int
}

func (f *fakeMedia) FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error) {
	if _, err := os.Stat(filePath); err != nil {
		return 0, err
	}
	return f.duration, f.durationErr
}

func (f *fakeMedia) FFmpegResampleAudioFromFile(ctx context.Context, filePath string, maxSize int) ([]byte, error) {
	f.resampleMaxSize = maxSize
	if f.resampleErr != nil {
		return nil, f.resampleErr
	}
	return []byte("resampled"), nil
}

type fakeASR struct {
	calls int
	err   error
	block bool
}

func (f *fakeASR) Run(ctx context.Context, data []byte) (*asr.ASROutput, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &asr.ASROutput{Text: "hello " + string(data), ModelName: "fake-model", Language: "english"}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	started []db.CreateStartedTranscriptionParams
	done    []db.UpdateTranscriptionDoneParams
	failed  []db.UpdateTranscriptionFailedParams

	doneErr error
}

func (f *fakeHistory) CreateStartedTranscription(ctx context.Context, arg db.CreateStartedTranscriptionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, arg)
	return nil
}

func (f *fakeHistory) UpdateTranscriptionDone(ctx context.Context, arg db.UpdateTranscriptionDoneParams) (db.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doneErr != nil {
		return db.Transcription{}, f.doneErr
	}
	f.done = append(f.done, arg)
	return db.Transcription{ID: arg.ID, Status: "done"}, nil
}

func (f *fakeHistory) UpdateTranscriptionFailed(ctx context.Context, arg db.UpdateTranscriptionFailedParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, arg)
	return 1, nil
}

type fixture struct {
	service *Service
	media   *fakeMedia
	asr     *fakeASR
	history *fakeHistory
	metrics *metrics.Metrics
	tempDir string
}

func newFixture(t *testing.T, extra ...ServiceExtraOptions) *fixture {
	t.Helper()

	f := &fixture{
		media:   &fakeMedia{duration: 3.5},
		asr:     &fakeASR{},
		history: &fakeHistory{},
		metrics: metrics.New(),
		tempDir: t.TempDir(),
	}

	options := append([]ServiceExtraOptions{
		WithHistory(f.history),
		WithMetrics(f.metrics),
		WithTempDir(f.tempDir),
	}, extra...)

	f.service = NewService(ServiceOptions{
		ParentLogger: zaptest.NewLogger(t),
		ASR:          f.asr,
		Backend:      asr.BackendHuggingFace,
		Media:        f.media,
	}, options...)

	return f
}

func (f *fixture) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files should be removed")
}

func (f *fixture) failures() float64 {
	return testutil.ToFloat64(f.metrics.TranscriptionsTotal.WithLabelValues(string(asr.BackendHuggingFace), metrics.StatusFailed))
}

func TestTranscribeSuccess(t *testing.T) {
	for name, data := range map[string][]byte{"wav": wavBytes(), "mp3": mp3Bytes()} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)

			result, err := f.service.Transcribe(context.Background(), Upload{
				Filename: "speech." + name,
				Reader:   bytes.NewReader(data),
				Source:   "web",
			})
			require.NoError(t, err)

			assert.Equal(t, "hello resampled", result.Text)
			assert.Equal(t, "fake-model", result.ModelName)
			assert.Equal(t, "english", result.Language)
			assert.Equal(t, 3.5, result.AudioDuration)
			assert.GreaterOrEqual(t, result.ProcessingTime, 0.0)

			require.Len(t, f.history.started, 1)
			assert.Equal(t, result.ID, f.history.started[0].ID)
			assert.Equal(t, "speech."+name, f.history.started[0].Filename)
			require.Len(t, f.history.done, 1)
			assert.Equal(t, "hello resampled", f.history.done[0].Text.String)
			assert.True(t, f.history.done[0].Language.Valid)
			assert.Empty(t, f.history.failed)

			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TranscriptionsTotal.WithLabelValues("huggingface", metrics.StatusDone)))
			assert.Equal(t, DefaultMaxDuration*resampledBytesPerSecond+resampledHeaderSlack, f.media.resampleMaxSize)
			f.assertTempDirEmpty(t)
		})
	}
}

func TestTranscribeWithoutHistory(t *testing.T) {
	service := NewService(ServiceOptions{
		ParentLogger: zaptest.NewLogger(t),
		ASR:          &fakeASR{},
		Media:        &fakeMedia{duration: 1},
	}, WithTempDir(t.TempDir()))

	assert.False(t, service.HistoryEnabled())

	result, err := service.Transcribe(context.Background(), Upload{Filename: "a.wav", Reader: bytes.NewReader(wavBytes())})
	require.NoError(t, err)
	assert.Equal(t, "hello resampled", result.Text)
}

func TestTranscribeRejectsUploads(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		nilReader   bool
		options     []ServiceExtraOptions
		wantErr     error
		wantMessage string
	}{
		{
			name:        "no file",
			nilReader:   true,
			wantErr:     ErrEmptyUpload,
			wantMessage: "No file uploaded.",
		},
		{
			name:        "empty file",
			data:        []byte{},
			wantErr:     ErrEmptyUpload,
			wantMessage: "The uploaded file is empty.",
		},
		{
			name:        "text file",
			data:        []byte("this is just some text, not audio"),
			wantErr:     ErrUnsupportedFormat,
			wantMessage: "Unsupported file type, upload an mp3 or wav file.",
		},
		{
			name:        "png file",
			data:        []byte("\x89PNG\r\n\x1a\n0000000000000000"),
			wantErr:     ErrUnsupportedFormat,
			wantMessage: "Unsupported file type, upload an mp3 or wav file.",
		},
		{
			name:        "too big",
			data:        wavBytes(),
			options:     []ServiceExtraOptions{WithLimits(10, 0, 0)},
			wantErr:     ErrUploadTooBig,
			wantMessage: "File too big, the limit is 0 MiB.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.options...)

			upload := Upload{Filename: "upload", Source: "api"}
			if !tt.nilReader {
				upload.Reader = bytes.NewReader(tt.data)
			}

			_, err := f.service.Transcribe(context.Background(), upload)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsUserError(err))
			assert.Equal(t, tt.wantMessage, UserMessage(err))

			assert.Zero(t, f.asr.calls)
			assert.Empty(t, f.history.started)
			f.assertTempDirEmpty(t)
		})
	}
}

func TestTranscribeFailuresAfterStart(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(f *fixture)
		wantErr      error
		wantMessage  string
		wantUser     bool
		wantDuration bool
	}{
		{
			name:        "no packets",
			setup:       func(f *fixture) { f.media.durationErr = media.ErrFFprobeDurationInvalid },
			wantErr:     media.ErrFFprobeDurationInvalid,
			wantMessage: "Couldn't find any audio in the file.",
			wantUser:    true,
		},
		{
			name:        "ffprobe failure",
			setup:       func(f *fixture) { f.media.durationErr = errors.New("exit status 1") },
			wantMessage: "Couldn't read the audio file.",
		},
		{
			name:         "too long",
			setup:        func(f *fixture) { f.media.duration = 601 },
			wantErr:      ErrTooLong,
			wantMessage:  "Audio is too long, the limit is 600 seconds.",
			wantUser:     true,
			wantDuration: true,
		},
		{
			name:         "resample failure",
			setup:        func(f *fixture) { f.media.resampleErr = fmt.Errorf("running ffmpeg: exit status 1") },
			wantMessage:  "Unknown error occurred",
			wantDuration: true,
		},
		{
			name:         "asr failure",
			setup:        func(f *fixture) { f.asr.err = errors.New("non-ok http response: [500]") },
			wantMessage:  "Error generating transcript.",
			wantDuration: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			_, err := f.service.Transcribe(context.Background(), Upload{Filename: "a.wav", Reader: bytes.NewReader(wavBytes())})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantMessage, UserMessage(err))
			assert.Equal(t, tt.wantUser, IsUserError(err))

			require.Len(t, f.history.started, 1)
			require.Len(t, f.history.failed, 1)
			assert.Equal(t, f.history.started[0].ID, f.history.failed[0].ID)
			assert.Equal(t, tt.wantDuration, f.history.failed[0].AudioDuration.Valid)
			assert.Empty(t, f.history.done)

			assert.Equal(t, 1.0, f.failures())
			f.assertTempDirEmpty(t)
		})
	}
}

func TestTranscribeKeepsResultWhenDoneUpdateFails(t *testing.T) {
	f := newFixture(t)
	f.history.doneErr = errors.New("conn closed")

	result, err := f.service.Transcribe(context.Background(), Upload{Filename: "a.wav", Reader: bytes.NewReader(wavBytes())})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Text)

	require.Len(t, f.history.started, 1)
	assert.Empty(t, f.history.done)
	require.Len(t, f.history.failed, 1)
	assert.Equal(t, f.history.started[0].ID, f.history.failed[0].ID)
	assert.Equal(t, "Couldn't save the transcription to history.", f.history.failed[0].Error.String)
	assert.True(t, f.history.failed[0].AudioDuration.Valid)

	f.assertTempDirEmpty(t)
}

func TestTranscribeTimeout(t *testing.T) {
	f := newFixture(t, WithLimits(0, 0, 50*time.Millisecond))
	f.asr.block = true

	_, err := f.service.Transcribe(context.Background(), Upload{Filename: "a.wav", Reader: bytes.NewReader(wavBytes())})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "Timeout exceeded while transcribing audio.", UserMessage(err))
	require.Len(t, f.history.failed, 1)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "Unknown error occurred", UserMessage(errors.New("boom")))
	assert.Equal(t, "Oops", UserMessage(fmt.Errorf("wrapped: %w", ExecutionError{Message: "Oops", Err: errors.New("boom")})))
	assert.Equal(t, "Timeout exceeded while transcribing audio.", UserMessage(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.False(t, IsUserError(ExecutionError{Message: "Oops"}))
}
