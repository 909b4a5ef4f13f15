package debughttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koltyakov/devrelay/internal/log"
)

func TestMuxServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "profile?debug=1") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestMuxServesStats(t *testing.T) {
	t.Parallel()

	stats := func() any { return map[string]int{"connections": 3} }
	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	rr := httptest.NewRecorder()

	newMux(stats).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"connections": 3`) {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestStartDisabledWithoutAddr(t *testing.T) {
	t.Parallel()

	if err := Start(context.Background(), "  ", log.Discard(), nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestStartFailsOnBadAddr(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Start(ctx, "256.0.0.1:bad", log.Discard(), nil); err == nil {
		t.Fatal("expected listen error")
	}
}
