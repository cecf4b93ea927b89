package debug

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the /healthz body. OK false answers 503.
type Health struct {
	OK      bool           `json:"ok"`
	Details map[string]any `json:"details,omitempty"`
}

type HealthFunc func(ctx context.Context) Health

const defaultPprofPrefix = "/debug/pprof/"

// Handler builds the mux for cfg. Every route sits behind the token check.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	guard := bearer(cfg.Token)

	mux.Handle("/healthz", guard(http.HandlerFunc(s.serveHealth)))
	mux.Handle("/metrics", guard(promhttp.Handler()))
	if cfg.Pprof {
		prefix := pprofPrefix(cfg.PprofPrefix)
		mux.Handle(prefix, guard(pprofIndex(prefix)))
		for name, h := range map[string]http.HandlerFunc{
			"cmdline": hpprof.Cmdline,
			"profile": hpprof.Profile,
			"symbol":  hpprof.Symbol,
			"trace":   hpprof.Trace,
		} {
			mux.Handle(prefix+name, guard(h))
		}
	}
	return mux
}

func (s *Service) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !h.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>. An empty
// token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(h http.Handler) http.Handler {
		if len(want) == 0 {
			return h
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && got == "" {
				got = strings.TrimSpace(v)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func pprofPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPprofPrefix
	}
	return "/" + strings.Trim(p, "/") + "/"
}

// pprofIndex serves the profile index under a custom prefix. pprof.Index
// resolves profile names relative to /debug/pprof/.
func pprofIndex(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = defaultPprofPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
}
