package main

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// pinger runs pre-flight health checks against the relayer and trusted
// server before any load is generated.
type pinger struct {
	client *fasthttp.Client
}

func newPinger() *pinger {
	return &pinger{client: &fasthttp.Client{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}}
}

func (p *pinger) check(url string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := p.client.DoTimeout(req, resp, 5*time.Second); err != nil {
		return fmt.Errorf("health check %s: %w", url, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return fmt.Errorf("health check %s: status %d", url, code)
	}
	return nil
}
