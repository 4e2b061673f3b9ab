// Package collyfetcher executes task requests over HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// DefaultTimeout bounds a request whose task sets no timeout.
const DefaultTimeout = 15 * time.Second

// ErrUnsupportedMethod is returned for HTTP methods the fetcher will not send.
var ErrUnsupportedMethod = errors.New("unsupported http method")

var supportedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher builds one colly collector per request. Collector clones share
// their HTTP backend, so per-request timeouts and proxies need a fresh one.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Fetch sends req and returns the response. HTTP error statuses are returned
// as responses; only transport failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, req task.Request) (*task.Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !supportedMethods[method] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}
	target, err := req.FullURL()
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	var (
		result   task.Response
		fetchErr error
	)
	collector, err := f.buildCollector(req, &result, &fetchErr)
	if err != nil {
		return nil, err
	}
	if err := f.runCollector(ctx, collector, method, target, req, &fetchErr); err != nil {
		return nil, err
	}
	return &result, nil
}

func (f *Fetcher) buildCollector(req task.Request, result *task.Response, fetchErr *error) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	timeout := f.cfg.Timeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	if req.Proxy != "" {
		// SetProxy mutates the transport in place, so proxied requests get their own.
		collector.WithTransport(newHTTPTransport())
		if err := collector.SetProxy(req.Proxy); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, req, time.Now(), result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req task.Request,
	start time.Time,
	result *task.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = task.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			ElapsedMS:  time.Since(start).Milliseconds(),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// With ParseHTTPErrorResponse the response is still usable.
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	method, target string,
	req task.Request,
	fetchErr *error,
) error {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, target, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(req task.Request, r *colly.Request) {
	for key, v := range req.Headers {
		r.Headers.Set(key, v)
	}
	if req.Auth != nil {
		hr := &http.Request{Header: http.Header{}}
		hr.SetBasicAuth(req.Auth.Username, req.Auth.Password)
		r.Headers.Set("Authorization", hr.Header.Get("Authorization"))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
