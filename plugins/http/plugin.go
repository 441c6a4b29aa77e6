// Package http provides workflow functions that call remote HTTP endpoints:
//
//	http.get(url string) -> object
//	http.post(url string, body object) -> object
//
// Both return {"status", "headers", "body"}. A non-2xx response is a step
// failure, so the calling step's retry and onError apply.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BDNK1/flowbase/runtime"
	"github.com/go-resty/resty/v2"
)

// Config holds the HTTP plugin configuration with declarative tags
type Config struct {
	BaseURL     string            `yaml:"base_url" validate:"omitempty,url_format"`
	Timeout     time.Duration     `yaml:"timeout" default:"30s" validate:"gte=1ms"`
	MaxRetries  int               `yaml:"max_retries" default:"0" validate:"gte=0,lte=10"`
	RetryWaitMS int               `yaml:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
	Headers     map[string]string `yaml:"headers"`
	Debug       bool              `yaml:"debug" default:"false"`
}

// HTTPPlugin implements the http.* functions
type HTTPPlugin struct {
	Config Config
	client *resty.Client
}

func New(cfg Config) *HTTPPlugin {
	return &HTTPPlugin{Config: cfg}
}

// Register adds the http.* functions to app with cfg.
func Register(ctx context.Context, app *runtime.App, cfg Config) (*HTTPPlugin, error) {
	p := New(cfg)
	if err := app.RegisterPlugin(ctx, "http", p); err != nil {
		return nil, err
	}
	return p, nil
}

// Initialize applies config defaults, validates them and builds the client.
func (h *HTTPPlugin) Initialize(ctx context.Context) error {
	if err := runtime.InitializeConfig(&h.Config, nil); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	h.client = resty.New().
		SetTimeout(h.Config.Timeout).
		SetRetryCount(h.Config.MaxRetries).
		SetRetryWaitTime(time.Duration(h.Config.RetryWaitMS) * time.Millisecond).
		SetHeaders(h.Config.Headers).
		SetDebug(h.Config.Debug)
	if h.Config.BaseURL != "" {
		h.client.SetBaseURL(h.Config.BaseURL)
	}
	return nil
}

func (h *HTTPPlugin) Get(ctx context.Context, url string) (map[string]any, error) {
	return h.do(ctx, http.MethodGet, url, nil)
}

func (h *HTTPPlugin) Post(ctx context.Context, url string, body map[string]any) (map[string]any, error) {
	return h.do(ctx, http.MethodPost, url, body)
}

// Shutdown implements runtime.Shutdowner
func (h *HTTPPlugin) Shutdown(ctx context.Context) error {
	if h.client != nil {
		h.client.GetClient().CloseIdleConnections()
		h.client = nil
	}
	return nil
}

func (h *HTTPPlugin) do(ctx context.Context, method, url string, body map[string]any) (map[string]any, error) {
	if h.client == nil {
		return nil, fmt.Errorf("http: plugin is not initialized")
	}

	req := h.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, url, err)
	}

	result := map[string]any{
		"status":  resp.StatusCode(),
		"headers": flattenHeaders(resp.Header()),
		"body":    decodeBody(resp.Body()),
	}

	if resp.IsError() || resp.StatusCode() >= 300 {
		return nil, runtime.NewStepError(fmt.Errorf("%s %s: %s", method, url, resp.Status())).
			WithMetadataMap(result)
	}
	return result, nil
}

// decodeBody returns JSON bodies decoded and anything else as text.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
