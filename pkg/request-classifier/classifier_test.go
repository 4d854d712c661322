package classifier

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClassifier(mode MatchMode, rules ...Rule) Classifier {
	origin, _ := url.Parse("https://alter.example")
	return New(Config{
		Origin:    origin,
		AllowList: AllowList{Hosts: DefaultHosts, Mode: mode},
		Rules:     rules,
	})
}

func request(t *testing.T, method, rawURL string, headers map[string]string) Request {
	r, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return FromHTTP(r)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		url     string
		headers map[string]string
		class   Class
		ok      bool
	}{
		{"post is passed through", "POST", "https://alter.example/contact", nil, "", false},
		{"unknown cross origin", "GET", "https://tracker.example/pixel.gif", nil, "", false},
		{"navigation", "GET", "https://alter.example/", map[string]string{"Sec-Fetch-Mode": "navigate"}, RuntimeNetworkFirst, true},
		{"document destination", "GET", "https://alter.example/team", map[string]string{"Sec-Fetch-Dest": "document"}, RuntimeNetworkFirst, true},
		{"html extension", "GET", "https://alter.example/index.html", nil, RuntimeNetworkFirst, true},
		{"image destination", "GET", "https://alter.example/media/hero", map[string]string{"Sec-Fetch-Dest": "image"}, ImageStaleRevalidate, true},
		{"image extension", "GET", "https://alter.example/assets/logo.SVG", nil, ImageStaleRevalidate, true},
		{"navigation wins over image", "GET", "https://alter.example/logo.png", map[string]string{"Sec-Fetch-Mode": "navigate"}, RuntimeNetworkFirst, true},
		{"style with query", "GET", "https://alter.example/style.css?v=7", nil, RuntimeNetworkFirst, true},
		{"cdn script", "GET", "https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.2/gsap.min.js", nil, RuntimeNetworkFirst, true},
		{"font", "GET", "https://fonts.gstatic.com/s/sora/v12/font.woff2", nil, FontCacheFirst, true},
		{"font stylesheet", "GET", "https://fonts.googleapis.com/css2?family=Sora", nil, FallbackNetworkFirst, true},
		{"manifest", "GET", "https://alter.example/manifest.json", nil, FallbackNetworkFirst, true},
	}
	c := testClassifier(MatchExact)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, ok := c.Classify(request(t, tc.method, tc.url, tc.headers))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.class, class)
		})
	}
}

func TestRelativeURLIsSameOrigin(t *testing.T) {
	c := testClassifier(MatchExact)
	class, ok := c.Classify(request(t, "GET", "/script.js", nil))
	assert.True(t, ok)
	assert.Equal(t, RuntimeNetworkFirst, class)
}

func TestAllowListModes(t *testing.T) {
	lookalike := request(t, "GET", "https://unpkg.com.evil.example/lenis.min.js", nil)
	mention := request(t, "GET", "https://other.example/?ref=fonts.googleapis.com", nil)

	_, ok := testClassifier(MatchExact).Classify(lookalike)
	assert.False(t, ok, "exact matching must not accept lookalike hosts")
	_, ok = testClassifier(MatchExact).Classify(mention)
	assert.False(t, ok)

	_, ok = testClassifier(MatchSubstring).Classify(lookalike)
	assert.True(t, ok, "substring matching keeps the loose behavior")
	_, ok = testClassifier(MatchSubstring).Classify(mention)
	assert.True(t, ok)

	port := request(t, "GET", "https://unpkg.com:443/lenis.min.js", nil)
	_, ok = testClassifier(MatchExact).Classify(port)
	assert.True(t, ok)
}

func TestRulesComeBeforeBuiltins(t *testing.T) {
	c := testClassifier(MatchExact,
		Rule{Path: "/"},
		Rule{Prefix: "/assets/", Class: CoreCacheFirst},
	)
	class, ok := c.Classify(request(t, "GET", "https://alter.example/assets/alter-logo.svg", nil))
	assert.True(t, ok)
	assert.Equal(t, CoreCacheFirst, class)

	// the class-less rule is skipped
	class, ok = c.Classify(request(t, "GET", "https://alter.example/", map[string]string{"Sec-Fetch-Mode": "navigate"}))
	assert.True(t, ok)
	assert.Equal(t, RuntimeNetworkFirst, class)

	// rules never make non-GET or foreign requests interceptable
	_, ok = c.Classify(request(t, "POST", "https://alter.example/assets/upload", nil))
	assert.False(t, ok)
}

func TestRuleValidation(t *testing.T) {
	assert.NoError(t, Rules{{Prefix: "/assets/", Class: CoreCacheFirst}}.Validate())
	assert.Error(t, Rules{{Path: "/"}}.Validate())
	assert.Error(t, Rules{{Path: "/", Class: "cache-only"}}.Validate())
	assert.Error(t, Rules{{Class: FontCacheFirst}}.Validate())
}

func TestSameOriginIgnoresDefaultPort(t *testing.T) {
	c := testClassifier(MatchExact)

	class, ok := c.Classify(request(t, "GET", "https://alter.example:443/app.js", nil))
	assert.True(t, ok)
	assert.Equal(t, RuntimeNetworkFirst, class)

	_, ok = c.Classify(request(t, "GET", "https://alter.example:8443/app.js", nil))
	assert.False(t, ok)
	_, ok = c.Classify(request(t, "GET", "http://alter.example/app.js", nil))
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	class, err := ParseClass("font-cache-first")
	require.NoError(t, err)
	assert.Equal(t, FontCacheFirst, class)
	_, err = ParseClass("cache-only")
	assert.Error(t, err)

	mode, err := ParseMatchMode("")
	require.NoError(t, err)
	assert.Equal(t, MatchExact, mode)
	mode, err = ParseMatchMode("Substring")
	require.NoError(t, err)
	assert.Equal(t, MatchSubstring, mode)
	_, err = ParseMatchMode("regex")
	assert.Error(t, err)
}
