// Package api is the thin HTTP adapter over the engine core. It owns
// no queue logic: every handler maps a request onto one Service call.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"papermill/internal/convert"
	"papermill/internal/engine"
	"papermill/internal/files"
	"papermill/internal/storage"
)

// Server exposes the conversion API.
type Server struct {
	service    *engine.Service
	router     *chi.Mux
	logger     *slog.Logger
	publishes  bool
	metricsExp http.Handler
}

func NewServer(service *engine.Service, logger *slog.Logger, publishes bool, metricsExp http.Handler) *Server {
	s := &Server{
		service:    service,
		router:     chi.NewRouter(),
		logger:     logger,
		publishes:  publishes,
		metricsExp: metricsExp,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/convert", s.handleConvert)
		r.Get("/task/{id}", s.handleGetTask)
		r.Get("/download/{id}", s.handleDownload)
		r.Get("/tasks/pending", s.handlePending)
		r.Get("/queue/stats", s.handleStats)
		r.Get("/formats", s.handleFormats)
		r.Get("/health", s.handleHealth)
	})
	if s.metricsExp != nil {
		s.router.Handle("/metrics", s.metricsExp)
	}
}

type taskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	task, err := s.service.EnqueueTask(r.Context(), header.Filename, file)
	switch {
	case err == nil:
	case errors.Is(err, convert.ErrUnsupportedFormat),
		errors.Is(err, engine.ErrBadArchive),
		errors.Is(err, files.ErrTooLarge):
		httpError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("enqueue failed", "error", err)
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  task.Message,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.service.GetTask(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.service.GetResult(id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	case errors.Is(err, engine.ErrNotReady):
		httpError(w, http.StatusBadRequest, "task not completed yet")
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if result.URL != "" {
		s.service.FinishDownload(id)
		writeJSON(w, http.StatusOK, map[string]string{"s3_url": result.URL})
		return
	}

	if result.LocalPath == "" {
		httpError(w, http.StatusNotFound, "result file not found")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(result.LocalPath)))
	http.ServeFile(w, r, result.LocalPath)
	s.service.FinishDownload(id)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListPending()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"statistics": stats,
	})
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"formats": convert.SupportedFormats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":     "healthy",
		"database":   true,
		"publishing": s.publishes,
	}
	pending, err := s.service.ListPending()
	if err != nil {
		health["status"] = "degraded"
		health["database"] = false
	} else {
		health["pending_tasks"] = len(pending)
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
