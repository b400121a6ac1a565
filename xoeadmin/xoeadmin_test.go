package xoeadmin_test

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nasa-jpl/xoe/clientpool"
	"github.com/nasa-jpl/xoe/usbrouter"
	"github.com/nasa-jpl/xoe/xoeadmin"
)

func newAdmin() *xoeadmin.Admin {
	return &xoeadmin.Admin{
		Pool:   clientpool.New(4),
		Router: usbrouter.New(4, nil),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzReportsOK(t *testing.T) {
	w := get(t, newAdmin().Handler(), "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", w.Code)
	}
}

func TestHealthzFailsBeforeInit(t *testing.T) {
	a := &xoeadmin.Admin{}
	w := get(t, a.Handler(), "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /healthz on uninitialized admin = %d, want 503", w.Code)
	}
}

func TestStatsReflectsPool(t *testing.T) {
	a := newAdmin()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	a.Pool.Acquire(c1)

	w := get(t, a.Handler(), "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /stats = %d, want 200", w.Code)
	}
	var s xoeadmin.Stats
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if s.ActiveClients != 1 {
		t.Fatalf("activeClients = %d, want 1", s.ActiveClients)
	}
	if s.USBRoutingErrors != 0 || s.USBAuthFailures != 0 {
		t.Fatalf("expected zero USB counters, got %+v", s)
	}
}

func TestRoutesListsEndpoints(t *testing.T) {
	w := get(t, newAdmin().Handler(), "/routes")
	var routes []string
	if err := json.NewDecoder(w.Body).Decode(&routes); err != nil {
		t.Fatalf("decode routes: %v", err)
	}
	want := map[string]bool{"/healthz": true, "/stats": true, "/routes": true}
	for _, r := range routes {
		delete(want, r)
	}
	if len(want) != 0 {
		t.Fatalf("missing routes in listing: %v", want)
	}
}
