package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptsync/api/internal/auth"
	"scriptsync/api/internal/logging"
	"scriptsync/api/internal/presence"
	"scriptsync/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	sessionLogger(r.Context(), session).Info("forbidden", "action", action, "path", r.URL.Path)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"email":         session.Email,
			"avatarUrl":     session.Avatar,
			"role":          session.Role,
		})
		return
	}

	// The beacon is sent while a page unloads and may not carry headers, so
	// it authenticates itself and never reports failure.
	if r.Method == http.MethodPost && r.URL.Path == "/api/presence/offline" {
		var body presence.OfflineBeacon
		_ = decodeBody(r, &body)
		token := bearerToken(r)
		if token == "" {
			token = body.Token
		}
		s.service.OfflineBeacon(r.Context(), token, body.UserID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.URL.Path == "/api/locks":
		s.handleLocks(w, r, session)
	case r.URL.Path == "/api/locks/sweep" && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionOperate) {
			s.forbid(w, r, session, rbac.ActionOperate)
			return
		}
		removed, err := s.service.SweepLocks(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	case r.URL.Path == "/api/presence/heartbeat" && r.Method == http.MethodPost:
		if err := s.service.Heartbeat(r.Context(), session); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.URL.Path == "/api/presence" && r.Method == http.MethodGet:
		records, err := s.service.ListPresence(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": records})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"locks": s.service.ListLocks(r.Context())})

	case http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionEdit) {
			s.forbid(w, r, session, rbac.ActionEdit)
			return
		}
		var body struct {
			ResourceID string `json:"resourceId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		grant, err := s.service.AcquireLock(r.Context(), session, body.ResourceID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)

	case http.MethodDelete:
		resourceID := r.URL.Query().Get("resourceId")
		if resourceID == "" {
			var body struct {
				ResourceID string `json:"resourceId"`
			}
			_ = decodeBody(r, &body)
			resourceID = body.ResourceID
		}
		s.service.ReleaseLock(r.Context(), session, resourceID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
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

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	domainErr := toDomainError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Warn("request failed", "path", r.URL.Path, "error", err)
	}
	writeDomainError(w, domainErr)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := s.logger.With("request_id", requestID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
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

func writeDomainError(w http.ResponseWriter, e *DomainError) {
	response := map[string]any{
		"code":  e.Code,
		"error": e.Message,
	}
	if e.LockedBy != "" {
		response["lockedBy"] = e.LockedBy
	}
	if e.Details != nil {
		response["details"] = e.Details
	}
	writeJSON(w, e.Status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

