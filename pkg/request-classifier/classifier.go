// Package classifier decides which caching strategy applies to an outgoing request.
package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Class is the outcome of classifying an intercepted request.
type Class string

const (
	CoreCacheFirst       Class = "core-cache-first"
	RuntimeNetworkFirst  Class = "runtime-network-first"
	ImageStaleRevalidate Class = "image-stale-revalidate"
	FontCacheFirst       Class = "font-cache-first"
	FallbackNetworkFirst Class = "fallback-network-first"
)

// ParseClass validates a class name, e.g. from a config file.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case CoreCacheFirst, RuntimeNetworkFirst, ImageStaleRevalidate, FontCacheFirst, FallbackNetworkFirst:
		return c, nil
	}
	return "", fmt.Errorf("unknown request class %q", s)
}

// Destination is the kind of resource a request is for, as in the Sec-Fetch-Dest header.
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationFont     Destination = "font"
	DestinationOther    Destination = ""
)

// Request is the part of an outgoing request the classifier looks at.
type Request struct {
	Method      string
	URL         *url.URL
	Destination Destination
	Navigate    bool
}

// FromHTTP describes an http.Request. The URL must be absolute for the
// cross-origin check to work.
func FromHTTP(r *http.Request) Request {
	req := Request{
		Method: r.Method,
		URL:    r.URL,
	}
	switch dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest")); dest {
	case "document", "image", "script", "style", "font":
		req.Destination = Destination(dest)
	}
	req.Navigate = strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
		req.Destination == DestinationDocument
	return req
}

// IsDocument reports whether the request is for a full document.
func (r Request) IsDocument() bool {
	return r.Navigate || documentPattern.MatchString(r.URL.Path)
}

var (
	documentPattern = regexp.MustCompile(`(?i)\.html?$`)
	imagePattern    = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|svg|gif|webp)$`)
	codePattern     = regexp.MustCompile(`(?i)\.(js|css)$`)
	fontPattern     = regexp.MustCompile(`(?i)\.(woff2|woff|ttf|eot|otf)$`)
)

type Config struct {
	// Origin of the controlled site. Requests to other origins are cross-origin.
	Origin *url.URL
	// External hosts whose requests are intercepted too.
	AllowList AllowList
	// Rules checked before the built-in ones.
	Rules Rules
}

type Classifier struct {
	origin    *url.URL
	allowList AllowList
	rules     Rules
}

func New(config Config) Classifier {
	return Classifier{
		origin:    config.Origin,
		allowList: config.AllowList,
		rules:     config.Rules,
	}
}

// Classify returns the class of the request.
// The boolean is false if the request must not be intercepted at all.
func (c Classifier) Classify(r Request) (Class, bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	if !c.sameOrigin(r.URL) && !c.allowList.Allows(r.URL) {
		return "", false
	}
	path := r.URL.Path
	if class, ok := c.rules.find(path); ok {
		return class, true
	}
	switch {
	case r.IsDocument():
		return RuntimeNetworkFirst, true
	case r.Destination == DestinationImage || imagePattern.MatchString(path):
		return ImageStaleRevalidate, true
	case codePattern.MatchString(path):
		return RuntimeNetworkFirst, true
	case fontPattern.MatchString(path):
		return FontCacheFirst, true
	}
	return FallbackNetworkFirst, true
}

func (c Classifier) sameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return c.origin != nil &&
		strings.EqualFold(u.Scheme, c.origin.Scheme) &&
		strings.EqualFold(u.Hostname(), c.origin.Hostname()) &&
		port(u) == port(c.origin)
}

// port returns the port of u, or the default port of its scheme.
func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
