// Package fetch performs the network half of every strategy.
//
// A transport failure is reported as a typed network error; any HTTP
// response, whatever its status, is a successful fetch.
package fetch

import (
	"context"
	"fmt"
	"net/http"

	edgeerrors "github.com/noncefirewall/portfolio/internal/services/edge/errors"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
)

// Fetcher issues one network request.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (edgestorage.Response, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, r *http.Request) (edgestorage.Response, error)

// Fetch implements Fetcher.
func (fn Func) Fetch(ctx context.Context, r *http.Request) (edgestorage.Response, error) {
	return fn(ctx, r)
}

// hop-by-hop headers never travel past the edge.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches over an http.RoundTripper and snapshots the response.
type Client struct {
	transport http.RoundTripper
	maxBody   int64
}

// Option configures a Client.
type Option func(*Client)

// WithMaxBody bounds snapshot bodies; larger responses fail as network errors.
func WithMaxBody(n int64) Option {
	return func(c *Client) {
		c.maxBody = n
	}
}

// New returns a Client over transport, or http.DefaultTransport when nil.
func New(transport http.RoundTripper, opts ...Option) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	c := &Client{transport: transport}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch sends r upstream. r must carry an absolute URL.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (edgestorage.Response, error) {
	if r == nil || r.URL == nil || !r.URL.IsAbs() {
		return edgestorage.Response{}, edgeerrors.E(edgeerrors.KindInvalidInput, "fetch requires an absolute url")
	}
	out := Outbound(ctx, r)
	resp, err := c.transport.RoundTrip(out)
	if err != nil {
		return edgestorage.Response{}, edgeerrors.Wrap(edgeerrors.KindNetwork, fmt.Sprintf("fetch %s", out.URL.Redacted()), err)
	}
	snapshot, err := edgestorage.ReadResponse(resp, c.maxBody)
	if err != nil {
		return edgestorage.Response{}, edgeerrors.Wrap(edgeerrors.KindNetwork, fmt.Sprintf("read %s", out.URL.Redacted()), err)
	}
	for _, name := range hopHeaders {
		snapshot.Header.Del(name)
	}
	return snapshot, nil
}

// Outbound clones r as a client request bound to ctx.
func Outbound(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Host = ""
	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	if out.Body == nil {
		out.Body = http.NoBody
	}
	return out
}

var _ Fetcher = (*Client)(nil)
