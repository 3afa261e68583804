package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/K3das/clementine/messages"
	"github.com/K3das/clementine/metrics"
	"github.com/K3das/clementine/store/db"
	"github.com/K3das/clementine/transcribe"
	"github.com/K3das/clementine/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templates embed.FS

const (
	DefaultListenAddr = ":8501"

	shutdownTimeout = 10 * time.Second
	// room for the multipart envelope around the file
	multipartOverhead = 1024 * 1024
)

type Transcriber interface {
	Transcribe(ctx context.Context, upload transcribe.Upload) (*transcribe.Result, error)
	MaxUploadSize() int64
}

// History serves past transcriptions; *store.Store implements it.
type History interface {
	FindTranscription(ctx context.Context, id uuid.UUID) (*db.Transcription, error)
	RecentTranscriptions(ctx context.Context, limit int) ([]db.Transcription, error)
}

type Server struct {
	log *zap.Logger

	transcriber Transcriber
	history     History
	messages    *messages.MessageProvider
	metrics     *metrics.Metrics

	page   *template.Template
	router chi.Router

	publicURL   string
	publicURLMu sync.RWMutex
}

type ServerOptions struct {
	ParentLogger *zap.Logger
	Transcriber  Transcriber
	Messages     *messages.MessageProvider
}

type ServerExtraOptions func(*Server)

// WithHistory enables the history endpoints, nil leaves them disabled.
func WithHistory(history History) ServerExtraOptions {
	return func(s *Server) {
		s.history = history
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) ServerExtraOptions {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(options ServerOptions, extraOptions ...ServerExtraOptions) (*Server, error) {
	s := &Server{
		log:         options.ParentLogger.Named("web"),
		transcriber: options.Transcriber,
		messages:    options.Messages,
	}
	for _, option := range extraOptions {
		option(s)
	}

	page, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	s.page = page

	s.router = s.routes()

	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/transcribe", s.handleTranscribeForm)
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/transcriptions", func(r chi.Router) {
		r.Post("/", s.handleTranscribeAPI)
		r.Get("/", s.handleListTranscriptions)
		r.Get("/{id}", s.handleGetTranscription)
	})

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetPublicURL is shown on the upload page, usually the tunnel's URL.
func (s *Server) SetPublicURL(url string) {
	s.publicURLMu.Lock()
	defer s.publicURLMu.Unlock()
	s.publicURL = url
}

func (s *Server) PublicURL() string {
	s.publicURLMu.RLock()
	defer s.publicURLMu.RUnlock()
	return s.publicURL
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) (err error) {
	defer utils.PanicToError(s.log, &err)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(listener)
	}()
	s.log.With(zap.String("addr", listener.Addr().String())).Info("http server listening")

	select {
	case err := <-errc:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	s.log.Info("http server stopped")
	return nil
}
