package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/domain/library"
	"github.com/GriffinCanCode/kcpu/internal/domain/symbols"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	// RateLimit caps requests per second; zero means unlimited.
	RateLimit float64
}

// DefaultOptions targets a local server.
func DefaultOptions() Options {
	return Options{
		BaseURL:  "http://localhost:8000",
		Timeout:  30 * time.Second,
		RetryMax: 3,
	}
}

// Client talks to the kcpu HTTP API.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// New creates a client. Only connection failures and 429s are retried;
// every other response is final because load and start are not idempotent.
func New(opts Options) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	r := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "kctl/1.0")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}

	breaker := resilience.New("kcpu-api", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsFailure: func(err error) bool {
			var apiErr *Error
			return err != nil && !errors.As(err, &apiErr)
		},
	})

	return &Client{resty: r, limiter: limiter, breaker: breaker}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			return false, err
		}
		return true, nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// BreakerState returns the state of the client-side breaker.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Error is a non-2xx response from the server.
type Error struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Unwrap maps the reported kind back onto its sentinel so callers can use
// errors.Is across the wire.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusNotFound && (e.Kind == "" || e.Kind == "unknown") {
		return library.ErrNotFound
	}
	return fault.FromKind(e.Kind)
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	return c.breaker.Execute(func() error {
		apiErr := &Error{}
		req := c.resty.R().SetContext(ctx).SetError(apiErr)
		if out != nil {
			req.SetResult(out)
		}
		if body != nil {
			req.SetBody(body)
			if _, raw := body.([]byte); raw {
				req.SetHeader("Content-Type", "application/octet-stream")
			}
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			apiErr.Status = resp.StatusCode()
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode())
			}
			return apiErr
		}
		return nil
	})
}

// LoadResult is the server's answer to a load.
type LoadResult struct {
	Name  string            `json:"name,omitempty"`
	Image *kloader.LoadInfo `json:"image"`
}

// SymbolResult is one resolved symbol.
type SymbolResult struct {
	Name       string `json:"name"`
	Addr       uint32 `json:"addr"`
	AddrHex    string `json:"addr_hex"`
	Generation uint64 `json:"generation"`
}

type statusResult struct {
	Status kloader.Status `json:"status"`
}

// Status fetches the loader state.
func (c *Client) Status(ctx context.Context) (*kloader.Status, error) {
	var out statusResult
	if err := c.do(ctx, http.MethodGet, "/kernel/status", nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// Load uploads and places an image. Compressed bodies are accepted.
func (c *Client) Load(ctx context.Context, buf []byte) (*LoadResult, error) {
	var out LoadResult
	if err := c.do(ctx, http.MethodPost, "/kernel/load", buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadFromLibrary places an image stored on the server.
func (c *Client) LoadFromLibrary(ctx context.Context, name string) (*LoadResult, error) {
	var out LoadResult
	if err := c.do(ctx, http.MethodPost, "/kernel/load/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Symbols lists the symbol table of the placed image.
func (c *Client) Symbols(ctx context.Context) ([]symbols.Entry, error) {
	var out struct {
		Symbols []symbols.Entry `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/kernel/symbols", nil, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// Find resolves one symbol.
func (c *Client) Find(ctx context.Context, name string) (*SymbolResult, error) {
	var out SymbolResult
	if err := c.do(ctx, http.MethodGet, "/kernel/symbols/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) transition(ctx context.Context, path string, body any) (*kloader.Status, error) {
	var out statusResult
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// StartBridge runs the bridge firmware.
func (c *Client) StartBridge(ctx context.Context) (*kloader.Status, error) {
	return c.transition(ctx, "/kernel/start/bridge", nil)
}

// StartIdle runs the idle kernel.
func (c *Client) StartIdle(ctx context.Context) (*kloader.Status, error) {
	return c.transition(ctx, "/kernel/start/idle", nil)
}

// StartUser runs the named symbol of the placed image.
func (c *Client) StartUser(ctx context.Context, symbol string) (*kloader.Status, error) {
	return c.transition(ctx, "/kernel/start/user", map[string]string{"symbol": symbol})
}

// Stop halts the coprocessor.
func (c *Client) Stop(ctx context.Context) (*kloader.Status, error) {
	return c.transition(ctx, "/kernel/stop", nil)
}

// Library lists the stored images.
func (c *Client) Library(ctx context.Context) ([]library.Entry, error) {
	var out struct {
		Kernels []library.Entry `json:"kernels"`
	}
	if err := c.do(ctx, http.MethodGet, "/library", nil, &out); err != nil {
		return nil, err
	}
	return out.Kernels, nil
}

// Put stores an image under name.
func (c *Client) Put(ctx context.Context, name string, buf []byte) error {
	return c.do(ctx, http.MethodPut, "/library/"+url.PathEscape(name), buf, nil)
}

// Clear deletes every stored image and returns how many were removed.
func (c *Client) Clear(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/library", nil, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// Remove deletes a stored image.
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/library/"+url.PathEscape(name), nil, nil)
}
