package web

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/K3das/clementine/utils"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// requestLogger puts the request id into the request's log context and logs
// every finished request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, log := utils.LogContextWith(r.Context(), s.log, zap.String("request_id", middleware.GetReqID(r.Context())))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		entry := log.With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("ip", r.RemoteAddr),
		)

		switch {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			utils.GetLogFromContext(r.Context(), s.log).With(
				zap.Any("panic", rvr),
				zap.String("stack", string(debug.Stack())),
			).Error("recovered panic")

			// too late to change the status once the handler has written it
			if ww.Status() == 0 {
				ww.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}
