// Package classify maps an intercepted request to its caching class.
//
// Classification is pure and total: every request yields exactly one Class
// and nothing here touches the network or a store.
package classify

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// Class selects the retrieval strategy for a request.
type Class int

const (
	// Unclassified requests bypass the cache layer entirely.
	Unclassified Class = iota
	// StaticAsset requests are immutable build assets.
	StaticAsset
	// APIData requests are backend, CDN and unknown content.
	APIData
	// NavigableDocument requests are HTML page navigations.
	NavigableDocument
)

// String names the class for logs and span attributes.
func (c Class) String() string {
	switch c {
	case StaticAsset:
		return "static_asset"
	case APIData:
		return "api_data"
	case NavigableDocument:
		return "navigable_document"
	default:
		return "unclassified"
	}
}

// Rules is the pattern data behind classification.
type Rules struct {
	// SeedAssets are root-relative paths pre-seeded at install.
	SeedAssets []string
	// StaticExtensions are file extensions without the leading dot.
	StaticExtensions []string
	// APIPatterns are regular expressions matched against the full URL.
	APIPatterns []string
}

// DefaultSeedAssets is the installed asset manifest.
var DefaultSeedAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/logo.png",
	"/favicon.ico",
	"/apple-touch-icon.png",
	"/favicon-16x16.png",
	"/favicon-32x32.png",
	"/android-chrome-192x192.png",
	"/android-chrome-512x512.png",
}

// DefaultStaticExtensions covers script, style, image and font families.
var DefaultStaticExtensions = []string{
	"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot",
}

// DefaultAPIPatterns covers the own API prefix plus backend and CDN hosts.
var DefaultAPIPatterns = []string{
	`/api/`,
	`supabase\.co`,
	`supabase\.in`,
	`fonts\.googleapis\.com`,
	`fonts\.gstatic\.com`,
	`pexels\.com`,
	`images\.pexels\.com`,
}

// DefaultRules returns the built-in classification data.
func DefaultRules() Rules {
	return Rules{
		SeedAssets:       append([]string(nil), DefaultSeedAssets...),
		StaticExtensions: append([]string(nil), DefaultStaticExtensions...),
		APIPatterns:      append([]string(nil), DefaultAPIPatterns...),
	}
}

// Classifier applies compiled Rules.
type Classifier struct {
	seeds      map[string]struct{}
	extensions map[string]struct{}
	patterns   []*regexp.Regexp
}

// New compiles rules. Empty rule lists stay empty; callers wanting the
// built-in data start from DefaultRules.
func New(rules Rules) (*Classifier, error) {
	c := &Classifier{
		seeds:      make(map[string]struct{}, len(rules.SeedAssets)),
		extensions: make(map[string]struct{}, len(rules.StaticExtensions)),
	}
	for _, asset := range rules.SeedAssets {
		if asset = strings.TrimSpace(asset); asset != "" {
			c.seeds[asset] = struct{}{}
		}
	}
	for _, ext := range rules.StaticExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			c.extensions[ext] = struct{}{}
		}
	}
	for _, pattern := range rules.APIPatterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile api pattern %q: %w", pattern, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Classify returns the class for r. The first matching rule wins.
func (c *Classifier) Classify(r *http.Request) Class {
	if r == nil || r.URL == nil {
		return Unclassified
	}
	if r.Method != http.MethodGet {
		return Unclassified
	}
	scheme := strings.ToLower(r.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return Unclassified
	}

	urlPath := r.URL.Path
	if urlPath == "" {
		urlPath = "/"
	}
	if _, ok := c.seeds[urlPath]; ok {
		return StaticAsset
	}
	if ext := strings.TrimPrefix(path.Ext(urlPath), "."); ext != "" {
		if _, ok := c.extensions[strings.ToLower(ext)]; ok {
			return StaticAsset
		}
	}

	href := r.URL.String()
	for _, re := range c.patterns {
		if re.MatchString(href) {
			return APIData
		}
	}

	if strings.HasPrefix(urlPath, "/") && AcceptsHTML(r) {
		return NavigableDocument
	}
	return APIData
}

// AcceptsHTML reports whether the request declares an HTML document accept type.
func AcceptsHTML(r *http.Request) bool {
	if r == nil {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
