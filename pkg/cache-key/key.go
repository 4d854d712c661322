package cachekey

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// CacheKeyer derives request identities for an origin.
// Relative request URLs are resolved against the origin, so a key always holds an absolute URL.
type CacheKeyer struct {
	// Origin that relative request URLs belong to.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// Absolute returns the absolute form of u, resolved against the origin.
// The fragment is never part of a request identity.
func (c CacheKeyer) Absolute(u *url.URL) *url.URL {
	abs := *u
	if !abs.IsAbs() {
		abs = *c.Origin.ResolveReference(u)
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return &abs
}

// GetKey returns the identity of a request: method and absolute URL.
// Only GET requests are ever stored, so other methods return ErrorMethodNotSupported.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.URLKey(r.URL), nil
}

// URLKey returns the identity of a GET request for the given (possibly relative) URL.
func (c CacheKeyer) URLKey(u *url.URL) string {
	return http.MethodGet + methodSeparator + c.Absolute(u).String()
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(ctx context.Context, key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequestWithContext(ctx, method, uri, nil)
}
