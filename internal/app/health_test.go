package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeLocks{}, &fakePresence{}), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	svc := newTestService(&fakeLocks{}, &fakePresence{})
	server := NewHTTPServer(svc, "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	svc.backend = &fakePinger{pingFn: func(context.Context) error { return errors.New("connection refused") }}
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	checks, _ := response["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["status"] != "error" || storeCheck["error"] != "connection refused" {
		t.Errorf("unexpected store check: %v", storeCheck)
	}
}

func TestOptionsPreflight(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeLocks{}, &fakePresence{}), "https://editor.example.com", nil)

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/locks", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://editor.example.com" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
}

func TestSessionEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeLocks{}, &fakePresence{}), "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user-a", "a@example.com", "editor"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != true || payload["userId"] != "user-a" || payload["email"] != "a@example.com" {
		t.Fatalf("unexpected session payload: %v", payload)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer forged.token")
	server.Handler().ServeHTTP(rr, req)
	payload = nil
	_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %v", payload)
	}
}
