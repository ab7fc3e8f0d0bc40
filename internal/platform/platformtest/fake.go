// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// Call is one recorded request.
type Call struct {
	Method string
	Path   string
	Body   json.RawMessage
}

// Decode unmarshals the recorded body into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Body, v)
}

// Handler answers one route. The returned value is JSON round-tripped into the caller's out.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// Fake records calls and answers them from registered routes.
// Unregistered routes fail with a 404 NetworkError.
type Fake struct {
	mu       sync.Mutex
	platform model.Platform
	routes   map[string]Handler
	calls    []Call
}

var _ platform.Client = (*Fake)(nil)

// New creates a fake for p.
func New(p model.Platform) *Fake {
	return &Fake{platform: p, routes: make(map[string]Handler)}
}

// NewSet creates one fake per platform.
func NewSet() (platform.Set, *Fake, *Fake, *Fake) {
	portal, trading, support := New(model.PlatformPortal), New(model.PlatformTrading), New(model.PlatformSupport)
	return platform.Set{Portal: portal, Trading: trading, Support: support}, portal, trading, support
}

// On registers h for method and path.
func (f *Fake) On(method, path string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
	return f
}

// Respond registers a fixed response.
func (f *Fake) Respond(method, path string, resp any) *Fake {
	return f.On(method, path, func(context.Context, json.RawMessage) (any, error) { return resp, nil })
}

// Fail registers a route that fails with a NetworkError carrying status.
func (f *Fake) Fail(method, path string, status int, msg string) *Fake {
	return f.On(method, path, func(context.Context, json.RawMessage) (any, error) {
		return nil, &platform.NetworkError{
			Platform: f.platform, Method: method, Path: path, Status: status, Err: errors.New(msg),
		}
	})
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls for method and path.
func (f *Fake) CallsTo(method, path string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded calls.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Fake) Platform() model.Platform { return f.platform }

func (f *Fake) Get(ctx context.Context, path string, out any) error {
	return f.do(ctx, http.MethodGet, path, nil, out)
}

func (f *Fake) Post(ctx context.Context, path string, body, out any) error {
	return f.do(ctx, http.MethodPost, path, body, out)
}

func (f *Fake) Put(ctx context.Context, path string, body, out any) error {
	return f.do(ctx, http.MethodPut, path, body, out)
}

func (f *Fake) do(ctx context.Context, method, path string, body, out any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Path: path, Body: raw})
	h, ok := f.routes[method+" "+path]
	f.mu.Unlock()

	if !ok {
		return &platform.NetworkError{
			Platform: f.platform, Method: method, Path: path, Status: http.StatusNotFound,
			Err: errors.New("no route"),
		}
	}

	resp, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
