package sifter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mux serves the MCP tools under /mcp and the JSON API everywhere else.
// /mcp stays outside the API timeout since its sessions stream.
func (svc *Service) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", svc.MCPHandler())
	mux.Handle("/", svc.Handler())
	return mux
}

// Handler returns the read-only HTTP API.
func (svc *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(apiHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.db.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(svc.registry, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	r.Get("/quota", func(w http.ResponseWriter, r *http.Request) {
		q, err := svc.Quota(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	})

	r.Get("/activity", func(w http.ResponseWriter, r *http.Request) {
		rep, err := svc.Activity(r.Context(), ActivityRequest{
			Day:         r.URL.Query().Get("day"),
			Since:       int64(queryInt(r, "since", 0)),
			Until:       int64(queryInt(r, "until", 0)),
			MinMessages: queryInt(r, "min", 0),
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListChannels(r.Context(), r.URL.Query().Get("all") == "")
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(list))
		})
		r.Get("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			f := MessageFilter{
				Limit: queryInt(r, "limit", 100),
				Since: int64(queryInt(r, "since", 0)),
				Until: int64(queryInt(r, "until", 0)),
			}
			if v, err := strconv.ParseBool(r.URL.Query().Get("analyzed")); err == nil {
				f.Analyzed = &v
			}
			if v, err := strconv.ParseBool(r.URL.Query().Get("processed")); err == nil {
				f.Processed = &v
			}
			msgs, err := svc.Messages(r.Context(), chi.URLParam(r, "id"), f)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(msgs))
		})
	})

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.Runs(r.Context(), r.URL.Query().Get("channel"), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(runs))
	})
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.Run(r.Context(), chi.URLParam(r, "id"))
		switch {
		case err != nil:
			writeError(w, statusFor(err), err)
		case run == nil:
			writeError(w, http.StatusNotFound, errors.New("run not found"))
		default:
			writeJSON(w, http.StatusOK, run)
		}
	})

	r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
		hits, err := svc.Search(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(hits))
	})
	return r
}

// apiHeaders sets the response headers every JSON endpoint shares.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
