package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/schema"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

// maxBody caps request payloads.
const maxBody = 1 << 20

// Routes returns the HTTP API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/submit/{kind}", s.handleSubmit)
		r.Post("/progress", s.handleProgress)
		r.Get("/queue", s.handleQueue)
		r.Get("/deadletters", s.handleDeadLetters)
		r.Post("/deadletters/{id}/requeue", s.handleRequeue)
		r.Get("/records/{collection}", s.handleRecordsByIndex)
		r.Get("/records/{collection}/{id}", s.handleRecord)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  s.engine.GetConnectionStatus(),
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSync triggers a drain. With ?wait=true it drains inline and returns
// the report; otherwise the drain runs in the background.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		report, err := s.engine.Drain(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	s.engine.Trigger(s.ctx)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind := schema.Kind(chi.URLParam(r, "kind"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(payload) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("body is not valid JSON"))
		return
	}

	res, err := s.engine.Submit(r.Context(), kind, payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, submitStatusCode(res), res)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var p schema.Progress
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid progress: %w", err))
		return
	}

	res, err := s.engine.SaveProgress(r.Context(), &p)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, db.ErrInvalidRecord) {
			code = http.StatusBadRequest
		}
		s.writeError(w, code, err)
		return
	}
	writeJSON(w, submitStatusCode(res), map[string]any{
		"progress": p,
		"result":   res,
	})
}

// handleQueue lists pending items; ?since=RFC3339 filters by enqueue time.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var (
		items []schema.SyncItem
		err   error
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", perr))
			return
		}
		items, err = s.queue.ListSince(r.Context(), since)
	} else {
		items, err = s.queue.Snapshot(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []schema.SyncItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dead == nil {
		dead = []schema.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return
	}
	newID, err := s.queue.Requeue(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if newID == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("dead letter %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": newID})
	s.engine.Trigger(s.ctx)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	raw, err := s.queue.Store().GetRaw(r.Context(), collection, id)
	if err != nil {
		s.writeError(w, storeErrorCode(err), err)
		return
	}
	if raw == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%s/%s not found", collection, id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleRecordsByIndex(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	index := r.URL.Query().Get("index")
	value := r.URL.Query().Get("value")
	if index == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("index query parameter is required"))
		return
	}

	docs, err := s.queue.Store().GetByIndex(r.Context(), collection, index, value)
	if err != nil {
		s.writeError(w, storeErrorCode(err), err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func submitStatusCode(res syncpkg.SubmitResult) int {
	if res.Status == syncpkg.StatusDeferred {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func storeErrorCode(err error) int {
	switch {
	case errors.Is(err, db.ErrUnknownCollection):
		return http.StatusNotFound
	case errors.Is(err, db.ErrUnknownIndex):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
