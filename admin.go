package cachingproxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/caching-proxy/cache"
	accesslog "github.com/always-cache/caching-proxy/pkg/access-log"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// AdminPrefix is the path under which the admin endpoints are mounted.
const AdminPrefix = "/.proxy"

// Router returns the handler to listen with: the proxy itself behind the
// request logging middleware, plus the admin and metrics endpoints under
// AdminPrefix if admin is set. Without admin every path goes to the origin.
func (p *Proxy) Router(admin bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(p.log))
	r.Use(hlog.RequestIDHandler("reqId", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request done")
	}))

	if admin {
		r.Route(AdminPrefix, func(r chi.Router) {
			r.Get("/health", p.health)
			r.Get("/stats", p.stats)
			r.Get("/cache", p.listEntries)
			r.Delete("/cache", p.clearEntries)
			r.Delete("/cache/entry", p.purgeEntry)
			r.Post("/sweep", p.sweep)
			r.Get("/log", p.recentLog)
			r.Handle("/metrics", promhttp.Handler())
		})
	}

	r.Handle("/*", p)
	return r
}

type entryInfo struct {
	cache.EntryInfo
	Method   string `json:"method,omitempty"`
	URI      string `json:"uri,omitempty"`
	CacheKey string `json:"cacheKey,omitempty"`
}

func (p *Proxy) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (p *Proxy) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.store.Stats())
}

func (p *Proxy) listEntries(w http.ResponseWriter, r *http.Request) {
	infos := p.store.Entries()
	entries := make([]entryInfo, 0, len(infos))
	for _, info := range infos {
		e := entryInfo{EntryInfo: info}
		if method, uri, cacheKey, err := p.keyer.Parts(info.Key); err == nil {
			e.Method, e.URI, e.CacheKey = method, uri, cacheKey
		} else {
			hlog.FromRequest(r).Warn().Err(err).Msg("Could not decode cache key")
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (p *Proxy) clearEntries(w http.ResponseWriter, r *http.Request) {
	removed := p.store.Clear()
	hlog.FromRequest(r).Info().Int("removed", removed).Msg("Cache cleared")
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (p *Proxy) purgeEntry(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}
	if !p.store.Purge(key) {
		writeError(w, http.StatusNotFound, "no entry for key")
		return
	}
	hlog.FromRequest(r).Info().Str("key", key).Msg("Cache entry purged")
	writeJSON(w, http.StatusOK, map[string]int{"removed": 1})
}

func (p *Proxy) sweep(w http.ResponseWriter, _ *http.Request) {
	removed, ran := p.janitor.Sweep()
	if !ran {
		writeError(w, http.StatusConflict, "sweep already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (p *Proxy) recentLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := p.accessLog.Recent(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read access log")
		writeError(w, http.StatusInternalServerError, "could not read access log")
		return
	}
	if entries == nil {
		entries = []accesslog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
