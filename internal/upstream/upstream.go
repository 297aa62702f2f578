// Package upstream provides the pooled HTTP client used to forward
// requests to backends (spec §4.H). The transport factory and pool
// sizing are carried over from the teacher's internal/forward.Registry
// (fabian4-gateway-homebrew-go), keyed by protocol name instead of
// being rebuilt per call.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Well-known transport names, matching the teacher's forward.Registry
// constants.
const (
	ProtoHTTP1 = "http1"
	ProtoAuto  = "auto" // ALPN, allow h2 over TLS when available
)

// idempotentMethods is the retry-once-on-connection-failure set (spec
// §4.H).
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// Options tunes the pooled transports, mirroring the teacher's
// forward.Options field-for-field.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration

	InsecureSkipVerify bool
}

// DefaultOptions mirrors the teacher's forward.DefaultOptions.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}
}

// Client forwards proxied requests over a pooled, protocol-keyed set
// of http.Transport values (spec §4.H "connection reuse keyed by
// scheme/host/port/ALPN" — ALPN negotiation is delegated to the
// transport itself via ForceAttemptHTTP2).
type Client struct {
	mu    sync.RWMutex
	store map[string]*http.Transport
	opts  Options
}

func New(opts Options) *Client {
	c := &Client{store: make(map[string]*http.Transport), opts: opts}
	c.store[ProtoHTTP1] = c.newHTTP1()
	c.store[ProtoAuto] = c.newAuto()
	return c
}

func (c *Client) transport(name string) *http.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.store[name]; ok {
		return t
	}
	return c.store[ProtoHTTP1]
}

// CloseIdle closes idle connections on every pooled transport, used
// by the supervisor during shutdown.
func (c *Client) CloseIdle() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.store {
		t.CloseIdleConnections()
	}
}

func (c *Client) newHTTP1() *http.Transport {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: c.opts.DialKeepAlive}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: c.opts.InsecureSkipVerify, NextProtos: []string{"http/1.1"}},
		MaxIdleConns:          c.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   c.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.opts.IdleConnTimeout,
		MaxConnsPerHost:       c.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   c.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: c.opts.ExpectContinueTimeout,
	}
	if c.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = c.opts.ResponseHeaderTimeout
	}
	return tr
}

func (c *Client) newAuto() *http.Transport {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: c.opts.DialKeepAlive}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          c.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   c.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.opts.IdleConnTimeout,
		MaxConnsPerHost:       c.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   c.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: c.opts.ExpectContinueTimeout,
	}
	if c.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = c.opts.ResponseHeaderTimeout
	}
	return tr
}

// ErrKind classifies a forwarding failure for the router's
// error-to-status mapping (spec §7).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrTimeout
	ErrConnectFailed
	ErrUpstreamReset
)

// Error wraps a forwarding failure with its classification.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Err: err}
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return &Error{Kind: ErrConnectFailed, Err: err}
	}
	return &Error{Kind: ErrUpstreamReset, Err: err}
}

// Forward sends outreq, whose upstream URL the caller has already
// built, using the transport named by protoName, and retries once on a
// connection-level failure when the method is idempotent.
//
// req's body must be an io.ReadCloser the caller owns; Forward does
// not close it on the retry path until the final attempt is issued.
func (c *Client) Forward(ctx context.Context, protoName string, outreq *http.Request) (*http.Response, error) {
	tr := c.transport(protoName)

	resp, err := tr.RoundTrip(outreq)
	if err == nil {
		return resp, nil
	}

	classified := classify(err)
	if classified.Kind != ErrConnectFailed {
		return nil, classified
	}
	if _, ok := idempotentMethods[outreq.Method]; !ok {
		return nil, classified
	}

	retryReq, rerr := cloneForRetry(ctx, outreq)
	if rerr != nil {
		return nil, classified
	}
	resp, err = tr.RoundTrip(retryReq)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// cloneForRetry rebuilds the request with a fresh, re-readable body.
// Bodies that cannot be re-read (a streamed, non-seekable request
// body already consumed by the first attempt) make the request
// non-retryable; callers only reach here for idempotent methods, which
// in practice carry no body or a body small enough to have been
// buffered by the router.
func cloneForRetry(ctx context.Context, orig *http.Request) (*http.Request, error) {
	clone := orig.Clone(ctx)
	if orig.GetBody != nil {
		body, err := orig.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	} else if orig.Body != nil && orig.Body != http.NoBody {
		return nil, errNonRetryableBody
	}
	return clone, nil
}

var errNonRetryableBody = errors.New("upstream: request body not retryable")

// DrainAndClose discards the remainder of an upstream response body
// and closes it, so the pooled connection returns to the idle pool
// for reuse (spec §4.H).
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
