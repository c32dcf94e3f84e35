package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"relayd/pkg/logger"
	"relayd/pkg/opstore"
)

// RouterConfig holds the HTTP-level knobs for the relay API.
type RouterConfig struct {
	APIKeys []string
	RPS     float64
	Burst   int
	Ready   func() bool
}

// limiterPool hands out one rate limiter per API key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	l, ok := p.m[key]
	if !ok {
		rps := p.rps
		if rps <= 0 {
			rps = 5
		}
		burst := p.burst
		if burst <= 0 {
			burst = 10
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		p.m[key] = l
	}
	return l.Allow()
}

// Router builds the relay service's HTTP surface.
func Router(svc *Service, ops OperationTracker, cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	keys := map[string]struct{}{}
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	limiters := &limiterPool{rps: cfg.RPS, burst: cfg.Burst}

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if len(keys) > 0 {
				if _, ok := keys[key]; !ok {
					logger.Warn("relay_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
					writeError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
			}
			if !limiters.allow(key) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next(w, r)
		}
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cfg.Ready != nil && !cfg.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/relay", auth(func(w http.ResponseWriter, req *http.Request) {
		var sub Submission
		if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		opID, hash, err := svc.HandleSubmission(req.Context(), sub)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrSignerMismatch):
				status = http.StatusUnauthorized
			case errors.Is(err, ErrBusy):
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": opID, "hash": hash})
	})).Methods(http.MethodPost)

	r.HandleFunc("/v1/operations/{id}", auth(func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		op, err := ops.Get(req.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if op == nil {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		writeJSON(w, http.StatusOK, op)
	})).Methods(http.MethodGet)

	r.HandleFunc("/v1/operations", auth(func(w http.ResponseWriter, req *http.Request) {
		status := opstore.Status(req.URL.Query().Get("status"))
		if status == "" {
			status = opstore.StatusPending
		}
		list, err := ops.GetByStatus(req.Context(), status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
	})).Methods(http.MethodGet)

	r.HandleFunc("/v1/stats", auth(func(w http.ResponseWriter, req *http.Request) {
		st, err := ops.Stats(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for status, n := range st.ByStatus {
			operationsGauge.WithLabelValues(string(status)).Set(float64(n))
		}
		writeJSON(w, http.StatusOK, st)
	})).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
