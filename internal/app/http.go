package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"copydesk/api/internal/auth"
	"copydesk/api/internal/consistency"
	"copydesk/api/internal/search"
)

// RequestMetrics records per-route request counts and exposes them.
type RequestMetrics interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *log.Logger
	metrics    RequestMetrics
}

// NewHTTPServer builds the API server. metrics may be nil, in which case
// /metrics is not served.
func NewHTTPServer(service *Service, corsOrigin string, logger *log.Logger, metrics RequestMetrics) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, metrics: metrics}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.Use(s.observeRoute)

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/api/copies", s.withSession(s.handleListCopies)).Methods(http.MethodGet)
	router.HandleFunc("/api/copies", s.withSession(s.handleCreateCopy)).Methods(http.MethodPost)
	router.HandleFunc("/api/copies/search", s.withSession(s.handleSearchCopies)).Methods(http.MethodGet)
	router.HandleFunc("/api/copies/{id}", s.withSession(s.handleGetCopy)).Methods(http.MethodGet)
	router.HandleFunc("/api/copies/{id}", s.withSession(s.handleDeleteCopy)).Methods(http.MethodDelete)
	router.HandleFunc("/api/copies/{id}/slug", s.withSession(s.handleRenameSlug)).Methods(http.MethodPut)
	router.HandleFunc("/api/copies/{id}/translation-set", s.withSession(s.handleDeleteTranslationSet)).Methods(http.MethodDelete)
	router.HandleFunc("/api/groups/{id}/cascade", s.withSession(s.handleRetryCascade)).Methods(http.MethodPost)
	router.HandleFunc("/api/slugs/check", s.withSession(s.handleCheckSlug)).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{s.corsOrigin}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel})),
		handlers.PrintRecoveryStack(true),
	)
	return s.withMiddleware(recovery(cors(router)))
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for _, check := range s.service.readinessChecks() {
		if err := check.ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[check.name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[check.name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListCopies(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	items, err := s.service.ListCopies(r.Context(), session, ListCopiesInput{
		Slug:     query.Get("slug"),
		Language: query.Get("language"),
		GroupID:  query.Get("groupId"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"copies": items})
}

func (s *HTTPServer) handleSearchCopies(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	q := search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		Language: query.Get("language"),
	}
	var err error
	if q.Limit, err = queryInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
		return
	}
	if q.Offset, err = queryInt(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer", nil)
		return
	}
	if q.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", map[string]any{"field": "q"})
		return
	}
	resp, err := s.service.SearchCopies(r.Context(), session, q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetCopy(w http.ResponseWriter, r *http.Request, session Session) {
	item, err := s.service.GetCopy(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleCreateCopy(w http.ResponseWriter, r *http.Request, session Session) {
	var body consistency.NewCopyInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateCopy(r.Context(), session, body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleRenameSlug(w http.ResponseWriter, r *http.Request, session Session) {
	var body RenameSlugInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.CopyID = mux.Vars(r)["id"]
	result, err := s.service.RenameSlug(r.Context(), session, body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRetryCascade(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Slug string `json:"slug"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.RetryCascade(r.Context(), session, mux.Vars(r)["id"], body.Slug)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteCopy(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.DeleteCopy(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteTranslationSet(w http.ResponseWriter, r *http.Request, session Session) {
	deleted, err := s.service.DeleteTranslationSet(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *HTTPServer) handleCheckSlug(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	result, err := s.service.CheckSlug(r.Context(), session, query.Get("slug"), query.Get("language"), query.Get("excludeCopyId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, message, details)
}

// observeRoute runs inside the router so the matched route template is known.
func (s *HTTPServer) observeRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		s.metrics.ObserveRequest(r.Method, route, writer.status, time.Since(started))
	})
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
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return parsed, nil
}
