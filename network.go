package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Network fetches requests from wherever they are addressed to.
// Request URLs are always absolute.
// A returned error means the network was unreachable; any HTTP status is a response.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPNetwork fetches over HTTP.
type HTTPNetwork struct {
	client     http.Client
	originHost string
	hostHeader string
}

// NewHTTPNetwork creates a network using an HTTP client.
// If hostHeader is not empty, requests to originHost are sent with that Host header
// and TLS server name, e.g. when the origin URL is just an IP address.
func NewHTTPNetwork(originHost, hostHeader string) *HTTPNetwork {
	n := &HTTPNetwork{
		originHost: originHost,
		hostHeader: hostHeader,
		client: http.Client{
			// do not follow redirects, the page does that itself
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if hostHeader != "" {
		n.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: hostHeader,
			},
		}
	}
	return n
}

func (n *HTTPNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := forwardRequest(ctx, r)
	if n.hostHeader != "" && strings.EqualFold(req.URL.Host, n.originHost) {
		req.Host = n.hostHeader
	}
	res, err := n.client.Do(req)
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if err == nil && res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, err
}

// HandlerNetwork serves fetches from an in-process handler, e.g. the site itself.
type HandlerNetwork struct {
	handler http.Handler
}

func NewHandlerNetwork(handler http.Handler) *HandlerNetwork {
	return &HandlerNetwork{handler: handler}
}

func (n *HandlerNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := forwardRequest(ctx, r)
	req.RequestURI = req.URL.RequestURI()
	if req.Body == nil {
		req.Body = http.NoBody
	}
	rw := tee.NewResponseSaver()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.handler.ServeHTTP(rw, req)
	}()
	// the handler sees the canceled request context, the recorded response is discarded
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return rw.Result(r)
}

// forwardRequest returns a copy of the request suitable for sending upstream.
func forwardRequest(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	req.RequestURI = ""
	req.Host = req.URL.Host
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if req.ContentLength == 0 {
		req.Body = nil
	}
	for _, header := range serializer.ListHeader(req.Header, "Connection") {
		req.Header.Del(header)
	}
	req.Header.Del("Connection")
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Keep-Alive")
	req.Header.Del("TE")
	req.Header.Del("Transfer-Encoding")
	req.Header.Del("Upgrade")
	return req
}
