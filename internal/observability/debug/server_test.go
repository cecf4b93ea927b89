package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "pewbridge/pkg/logx"
)

func TestHealthzReportsStatus(t *testing.T) {
	t.Parallel()
	ok := true
	s := New(Config{}, func(context.Context) Health {
		return Health{OK: ok, Details: map[string]any{"sessions": 2}}
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body Health
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body.OK {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}

	ok = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code = %d", rec.Code)
	}
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()
	h := New(Config{}, nil, logx.Nop()).Handler(Config{Token: "s3cret", Pprof: true})
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/metrics", "", http.StatusUnauthorized},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/metrics", "Bearer s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"pprof index", "/debug/pprof/", "Bearer s3cret", http.StatusOK},
		{"pprof no token", "/debug/pprof/", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestPprofOffByDefault(t *testing.T) {
	t.Parallel()
	h := New(Config{}, nil, logx.Nop()).Handler(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg  Config
		addr string
		ok   bool
	}{
		{Config{}, "127.0.0.1:6060", true},
		{Config{}, "localhost:6060", true},
		{Config{}, "[::1]:6060", true},
		{Config{}, ":6060", false},
		{Config{}, "0.0.0.0:6060", false},
		{Config{Token: "t"}, "0.0.0.0:6060", true},
		{Config{AllowInsecure: true}, "10.0.0.5:6060", true},
	}
	for _, tc := range cases {
		err := checkBind(tc.cfg, tc.addr)
		if (err == nil) != tc.ok {
			t.Fatalf("checkBind(%+v, %q) = %v", tc.cfg, tc.addr, err)
		}
		if err != nil && !errors.Is(err, ErrInsecureBind) {
			t.Fatalf("err = %v", err)
		}
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(sctx, Config{})
	if s.Addr() != "" {
		t.Fatalf("still bound after disable")
	}
}
