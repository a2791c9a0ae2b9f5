package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"kai/server/internal/core"
)

func TestHealthEndpoint(t *testing.T) {
	registry := core.NewRegistry()
	s := New(registry, nil)
	srv := httptest.NewServer(s.Echo())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("unexpected health body: %#v", body)
	}
	if body.Rooms != 0 || body.Connections != 0 {
		t.Fatalf("expected empty counts, got %#v", body)
	}
}

func TestStateEndpointReflectsRegistry(t *testing.T) {
	registry := core.NewRegistry()
	session := registry.Register(8)
	if err := registry.JoinRoom(session.ConnID, "ABCD1234ABCD1234", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	s := New(registry, nil)
	srv := httptest.NewServer(s.Echo())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("get /api/state: %v", err)
	}
	defer resp.Body.Close()

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Rooms != 1 || body.Connections != 1 {
		t.Fatalf("unexpected counts: %#v", body)
	}
}
