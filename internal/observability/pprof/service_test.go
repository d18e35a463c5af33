package pprof

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rollout/internal/runtime/supervisor"
	logx "rollout/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), func() []supervisor.Stats {
		return []supervisor.Stats{{Name: "http.server", Active: 1}}
	})
	h := s.Handler(Config{Token: "secret", Prefix: "dbg"})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/dbg/status", want: http.StatusUnauthorized},
		{name: "wrong token", target: "/dbg/status?token=nope", want: http.StatusUnauthorized},
		{name: "query token", target: "/dbg/status?token=secret", want: http.StatusOK},
		{name: "bearer token", target: "/dbg/status", header: "Bearer secret", want: http.StatusOK},
		{name: "index", target: "/dbg/?token=secret", want: http.StatusOK},
		{name: "redirect", target: "/dbg", want: http.StatusPermanentRedirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatusListsGoroutines(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), func() []supervisor.Stats {
		return []supervisor.Stats{{Name: "config.watch", Restarts: 2}}
	})
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "config.watch") {
		t.Fatalf("status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "dbg": "/dbg/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
