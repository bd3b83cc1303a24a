package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wonny/aegis/intraday/internal/api/handlers"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// NewRouter wires the control plane, book views and the event stream
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(control *handlers.ControlHandler, events *handlers.EventsHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// 운영 제어
	api.HandleFunc("/status", control.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/pause", control.Pause).Methods(http.MethodPost)
	api.HandleFunc("/resume", control.Resume).Methods(http.MethodPost)
	api.HandleFunc("/flatten", control.Flatten).Methods(http.MethodPost)
	api.HandleFunc("/mode", control.SwitchMode).Methods(http.MethodPost)

	api.HandleFunc("/orders", control.GetOrders).Methods(http.MethodGet)
	api.HandleFunc("/positions", control.GetPositions).Methods(http.MethodGet)

	api.HandleFunc("/signals", control.EnqueueSignal).Methods(http.MethodPost)
	api.HandleFunc("/signals", control.GetSignalOutcomes).Methods(http.MethodGet)
	api.HandleFunc("/report", control.GetReport).Methods(http.MethodGet)
	api.HandleFunc("/jobs", control.GetJobs).Methods(http.MethodGet)

	if events != nil {
		api.HandleFunc("/events", events.Stream).Methods(http.MethodGet)
	}

	alog := log.WithComponent("api")
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(alog))
	r.Use(recoveryMiddleware(alog))
	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "aegis-intraday",
	})
}

// requestIDMiddleware keeps a caller supplied id or assigns one
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code. Hijack is passed through so
// the websocket upgrade still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggingMiddleware logs operator actions (non-GET) at info, reads at debug
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			entry := log.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"duration":   time.Since(start),
				"request_id": r.Header.Get(requestIDHeader),
			})
			switch {
			case rec.status >= http.StatusInternalServerError:
				entry.Warn("Control request failed")
			case r.Method != http.MethodGet:
				entry.Info("Control request")
			default:
				entry.Debug("HTTP request")
			}
		})
	}
}

func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error":      err,
						"path":       r.URL.Path,
						"request_id": r.Header.Get(requestIDHeader),
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
