package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/K3das/clementine/messages"
	"github.com/K3das/clementine/store"
	"github.com/K3das/clementine/store/db"
	"github.com/K3das/clementine/transcribe"
	"github.com/K3das/clementine/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// the multipart field holding the audio
const uploadField = "audio_file"

const (
	SourceWeb = "web"
	SourceAPI = "api"
)

var errNoUpload = transcribe.ExecutionError{
	Message:   "No file uploaded.",
	Err:       transcribe.ErrEmptyUpload,
	UserError: true,
}

type pageData struct {
	Page     *messages.Message
	Progress *messages.Message
	Result   *messages.Message
	Accept   string
}

type errorResponse struct {
	Error string `json:"error"`
}

type transcriptionResponse struct {
	ID             uuid.UUID  `json:"id"`
	Filename       string     `json:"filename"`
	Source         string     `json:"source"`
	Status         string     `json:"status"`
	Model          string     `json:"model,omitempty"`
	Language       string     `json:"language,omitempty"`
	Text           string     `json:"text,omitempty"`
	Error          string     `json:"error,omitempty"`
	AudioDuration  *float64   `json:"audio_duration,omitempty"`
	ProcessingTime *float64   `json:"processing_time,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK, nil)
}

func (s *Server) handleTranscribeForm(w http.ResponseWriter, r *http.Request) {
	log := utils.GetLogFromContext(r.Context(), s.log)

	result, err := s.transcribeRequest(w, r, SourceWeb)
	if err != nil {
		message, renderErr := s.messages.Render(messages.MessageAsrError, messages.AsrErrorData{
			Message: transcribe.UserMessage(err),
		})
		if renderErr != nil {
			log.Error("failed to render error message", zap.Error(renderErr))
			http.Error(w, "Unknown error occurred", http.StatusInternalServerError)
			return
		}
		s.renderPage(w, r, statusForError(err), message)
		return
	}

	message, err := s.messages.Render(messages.MessageAsrResult, messages.AsrResultData{
		Text:           result.Text,
		Model:          result.ModelName,
		Language:       result.Language,
		AudioDuration:  result.AudioDuration,
		ProcessingTime: result.ProcessingTime,
	})
	if err != nil {
		log.Error("failed to render result message", zap.Error(err))
		http.Error(w, "Unknown error occurred", http.StatusInternalServerError)
		return
	}
	s.renderPage(w, r, http.StatusOK, message)
}

func (s *Server) handleTranscribeAPI(w http.ResponseWriter, r *http.Request) {
	result, err := s.transcribeRequest(w, r, SourceAPI)
	if err != nil {
		writeJSON(w, statusForError(err), errorResponse{Error: transcribe.UserMessage(err)})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTranscriptions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeHistoryError(w, r, http.StatusNotFound, messages.HistoryDisabled)
		return
	}

	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			s.writeHistoryError(w, r, http.StatusBadRequest, messages.HistoryInvalidLimit)
			return
		}
		limit = parsed
	}

	transcriptions, err := s.history.RecentTranscriptions(r.Context(), limit)
	if err != nil {
		utils.GetLogFromContext(r.Context(), s.log).Error("failed to list transcriptions", zap.Error(err))
		s.writeHistoryError(w, r, http.StatusInternalServerError, messages.HistoryError)
		return
	}

	response := make([]transcriptionResponse, 0, len(transcriptions))
	for i := range transcriptions {
		response = append(response, toTranscriptionResponse(&transcriptions[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeHistoryError(w, r, http.StatusNotFound, messages.HistoryDisabled)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeHistoryError(w, r, http.StatusBadRequest, messages.HistoryInvalidID)
		return
	}

	transcription, err := s.history.FindTranscription(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeHistoryError(w, r, http.StatusNotFound, messages.HistoryNotFound)
		return
	} else if err != nil {
		utils.GetLogFromContext(r.Context(), s.log).Error("failed to get transcription", zap.Error(err))
		s.writeHistoryError(w, r, http.StatusInternalServerError, messages.HistoryError)
		return
	}

	writeJSON(w, http.StatusOK, toTranscriptionResponse(transcription))
}

func (s *Server) writeHistoryError(w http.ResponseWriter, r *http.Request, status int, state string) {
	message, err := s.messages.Render(messages.MessageHistory, messages.HistoryData{State: state})
	if err != nil {
		utils.GetLogFromContext(r.Context(), s.log).Error("failed to render history message", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Unknown error occurred"})
		return
	}
	writeJSON(w, status, errorResponse{Error: message.Body})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"history": s.history != nil,
	})
}

// transcribeRequest streams the upload field of a multipart request into the
// transcriber.
func (s *Server) transcribeRequest(w http.ResponseWriter, r *http.Request, source string) (*transcribe.Result, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.transcriber.MaxUploadSize()+multipartOverhead)

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, transcribe.ExecutionError{
			Message:   "Expected a multipart form upload.",
			Err:       fmt.Errorf("reading multipart: %w", err),
			UserError: true,
		}
	}

	part, err := findPart(reader, uploadField)
	if err != nil {
		return nil, err
	}
	defer part.Close()

	return s.transcriber.Transcribe(r.Context(), transcribe.Upload{
		Filename: part.FileName(),
		Reader:   part,
		Source:   source,
	})
}

func findPart(reader *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoUpload
		} else if err != nil {
			return nil, transcribe.ExecutionError{
				Message:   "Error receiving file.",
				Err:       fmt.Errorf("reading multipart: %w", err),
				UserError: true,
			}
		}

		if part.FormName() == field && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, result *messages.Message) {
	log := utils.GetLogFromContext(r.Context(), s.log)

	page, err := s.messages.Render(messages.MessagePage, messages.PageData{PublicURL: s.PublicURL()})
	if err != nil {
		log.Error("failed to render page message", zap.Error(err))
		http.Error(w, "Unknown error occurred", http.StatusInternalServerError)
		return
	}
	progress, err := s.messages.Render(messages.MessageAsrProgress, messages.AsrProgressData{})
	if err != nil {
		log.Error("failed to render progress message", zap.Error(err))
		http.Error(w, "Unknown error occurred", http.StatusInternalServerError)
		return
	}

	accept := make([]string, 0, len(page.Accepted))
	for _, ext := range page.Accepted {
		accept = append(accept, "."+ext)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err = s.page.Execute(w, pageData{
		Page:     page,
		Progress: progress,
		Result:   result,
		Accept:   strings.Join(accept, ","),
	})
	if err != nil {
		log.Error("failed to execute page template", zap.Error(err))
	}
}

func statusForError(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, transcribe.ErrUploadTooBig), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transcribe.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case transcribe.IsUserError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func toTranscriptionResponse(t *db.Transcription) transcriptionResponse {
	response := transcriptionResponse{
		ID:       t.ID,
		Filename: t.Filename,
		Source:   t.Source,
		Status:   t.Status,
		Model:    t.TranscriptionModel.String,
		Language: t.Language.String,
		Text:     t.Text.String,
		Error:    t.Error.String,
	}
	if t.AudioDuration.Valid {
		response.AudioDuration = &t.AudioDuration.Float64
	}
	if t.ProcessingTime.Valid {
		response.ProcessingTime = &t.ProcessingTime.Float64
	}
	if t.CreatedAt.Valid {
		response.CreatedAt = &t.CreatedAt.Time
	}
	return response
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
