// Package platform is the coordinator's only way to talk to the three backends.
// Clients never retry on their own unless configured to; callers own retry policy.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/httpclient"
	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/rate"
	"github.com/Checker-Finance/sync-coordinator/internal/secrets"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// Client is a fallible remote-call abstraction for one platform.
type Client interface {
	Platform() model.Platform
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
}

// Set holds one client per platform.
type Set struct {
	Portal  Client
	Trading Client
	Support Client
}

// For returns the client for p, or nil for an unknown platform.
func (s Set) For(p model.Platform) Client {
	switch p {
	case model.PlatformPortal:
		return s.Portal
	case model.PlatformTrading:
		return s.Trading
	case model.PlatformSupport:
		return s.Support
	}
	return nil
}

// NetworkError is any failed platform call: unreachable, timeout, non-2xx or undecodable.
type NetworkError struct {
	Platform model.Platform
	Method   string
	Path     string
	Status   int
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s %s: status %d: %v", e.Platform, e.Method, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Platform, e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigSource resolves base URL and credentials per platform.
type ConfigSource interface {
	Resolve(ctx context.Context, p model.Platform) (secrets.PlatformConfig, error)
}

// HTTPClient is the JSON-over-HTTP implementation of Client.
type HTTPClient struct {
	platform model.Platform
	logger   *zap.Logger
	exec     *httpclient.Executor
	configs  ConfigSource
}

// NewHTTPClient wires a client for p. retryMax of 0 disables retries.
func NewHTTPClient(
	p model.Platform,
	logger *zap.Logger,
	rateMgr *rate.Manager,
	timeout time.Duration,
	retryMax int,
	configs ConfigSource,
) *HTTPClient {
	httpClient := &http.Client{Timeout: timeout}
	tag := "platform." + p.Short()
	return &HTTPClient{
		platform: p,
		logger:   logger,
		exec:     httpclient.New(logger, rateMgr, httpClient, retryMax, tag, nil),
		configs:  configs,
	}
}

// NewSet builds HTTP clients for all three platforms sharing limiter and config source.
func NewSet(logger *zap.Logger, rateMgr *rate.Manager, timeout time.Duration, retryMax int, configs ConfigSource) Set {
	return Set{
		Portal:  NewHTTPClient(model.PlatformPortal, logger, rateMgr, timeout, retryMax, configs),
		Trading: NewHTTPClient(model.PlatformTrading, logger, rateMgr, timeout, retryMax, configs),
		Support: NewHTTPClient(model.PlatformSupport, logger, rateMgr, timeout, retryMax, configs),
	}
}

func (c *HTTPClient) Platform() model.Platform { return c.platform }

func (c *HTTPClient) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	fail := func(status int, err error) error {
		return &NetworkError{Platform: c.platform, Method: method, Path: path, Status: status, Err: err}
	}

	cfg, err := c.configs.Resolve(ctx, c.platform)
	if err != nil {
		return fail(0, err)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fail(0, fmt.Errorf("encode body: %w", err))
		}
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}

	start := time.Now()
	err = c.exec.DoJSON(ctx, httpclient.Request{
		Method: method,
		URL:    cfg.BaseURL + path,
		Header: header,
		Body:   payload,
	}, string(c.platform), out)
	metrics.ObserveDuration(metrics.PlatformRequestDuration, start, c.platform.Short(), method)

	if err == nil {
		metrics.IncPlatformRequest(c.platform.Short(), method, "ok")
		return nil
	}

	status := 0
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		status = se.Status
		metrics.IncPlatformRequest(c.platform.Short(), method, strconv.Itoa(se.Status))
	} else {
		metrics.IncPlatformRequest(c.platform.Short(), method, "error")
	}
	return fail(status, err)
}
