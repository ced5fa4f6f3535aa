package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clm/api/internal/anchor"
	"clm/api/internal/dom"
	"clm/api/internal/export"
	"clm/api/internal/search"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultActor = "Anonymous"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	events     http.Handler
	logger     *zap.Logger
}

// NewHTTPServer wires the API routes. events serves the notification
// websocket and may be nil.
func NewHTTPServer(service *Service, corsOrigin string, events http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, events: events, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/search", s.handleSearch)
		if s.events != nil {
			r.Handle("/ws", s.events)
		}

		r.Get("/contracts", s.handleListContracts)
		r.Post("/contracts", s.handleCreateContract)
		r.Route("/contracts/{contractID}", func(r chi.Router) {
			r.Get("/", s.handleWorkspace)
			r.Put("/", s.handleSaveContract)
			r.Post("/anchors", s.handleBuildAnchor)
			r.Post("/comments", s.handleCreateComment)
			r.Delete("/comments/{commentID}", s.handleDeleteComment)
			r.Patch("/comments/{commentID}/track-change", s.handleTrackChange)
			r.Post("/edits", s.handleSubmitEdits)
			r.Get("/history", s.handleHistory)
			r.Get("/audit", s.handleAudit)
			r.Get("/export.{format}", s.handleExport)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListContracts(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListContracts(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contracts": items})
}

func (s *HTTPServer) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var body CreateContractInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	contract, err := s.service.CreateContract(r.Context(), body, actorName(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contract": contractView(contract)})
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.service.Workspace(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *HTTPServer) handleSaveContract(w http.ResponseWriter, r *http.Request) {
	var body SaveContractInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SaveContract(r.Context(), chi.URLParam(r, "contractID"), actorName(r), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleBuildAnchor(w http.ResponseWriter, r *http.Request) {
	var body SelectionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	a, err := s.service.BuildAnchor(r.Context(), chi.URLParam(r, "contractID"), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anchor": a})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body CreateCommentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ws, err := s.service.CreateComment(r.Context(), chi.URLParam(r, "contractID"), actorName(r), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	ws, err := s.service.DeleteComment(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "commentID"), actorName(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *HTTPServer) handleTrackChange(w http.ResponseWriter, r *http.Request) {
	var body TrackChangeInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ws, err := s.service.UpdateTrackChange(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "commentID"), actorName(r), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *HTTPServer) handleSubmitEdits(w http.ResponseWriter, r *http.Request) {
	var body SubmitEditsInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SubmitEdits(r.Context(), chi.URLParam(r, "contractID"), actorName(r), body)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.History(r.Context(), chi.URLParam(r, "contractID"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	events, err := s.service.Audit(r.Context(), contractID, queryInt(r, "limit", 100))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		items = append(items, map[string]any{
			"id":        ev.ID,
			"eventType": ev.EventType,
			"actor":     ev.ActorName,
			"commentId": ev.CommentID,
			"payload":   ev.Payload,
			"createdAt": formatTime(ev.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contractId": contractID, "events": items})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := export.Request{
		ContractID:      chi.URLParam(r, "contractID"),
		Version:         query.Get("version"),
		Format:          export.Format(chi.URLParam(r, "format")),
		IncludeComments: query.Get("comments") != "0",
		Upload:          query.Get("upload") == "1",
	}
	result, err := s.service.Export(r.Context(), req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if req.Upload {
		writeJSON(w, http.StatusOK, map[string]any{
			"url":      result.URL,
			"filename": result.Filename,
			"degraded": result.Degraded,
		})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:             strings.TrimSpace(query.Get("q")),
		FilterType:       search.ResultType(query.Get("type")),
		FilterContractID: query.Get("contractId"),
		Limit:            queryInt(r, "limit", 20),
		Offset:           queryInt(r, "offset", 0),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-Name, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// actorName is the display name the caller acts under. Authentication
// happens in front of this service.
func actorName(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-User-Name")); name != "" {
		return name
	}
	return defaultActor
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	switch {
	case errors.Is(err, anchor.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, "EMPTY_DOCUMENT", "Contract body has no text", nil
	case errors.Is(err, dom.ErrNoContainer):
		return http.StatusUnprocessableEntity, "NO_CONTAINER", "Contract body is missing", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusNotFound, "VERSION_NOT_FOUND", "Contract version unavailable", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is unavailable", nil
	case errors.Is(err, export.ErrStorageDisabled):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Export storage is not configured", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
