package app

import (
	"context"
	"net/http"
	"time"

	"relayd/pkg/relay"
)

// startHTTP builds the router, starts the server in a goroutine, and
// returns a channel carrying any fatal server error.
func (a *App) startHTTP() <-chan error {
	handler := relay.Router(a.svc, a.ops, relay.RouterConfig{
		APIKeys: a.cfg.Relayer.APIKeys,
		RPS:     a.cfg.Relayer.RateLimit.RPS,
		Burst:   a.cfg.Relayer.RateLimit.Burst,
		Ready:   a.ready.Load,
	})
	if limit := int64(a.cfg.Server.MaxBodySize); limit > 0 {
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			inner.ServeHTTP(w, r)
		})
	}

	a.srv = &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (a *App) stopHTTP() error {
	if a.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}
