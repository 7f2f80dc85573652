package classify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

const htmlAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultRules())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func request(method, target, accept string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	return r
}

func TestClassifyDecisionOrder(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	tests := []struct {
		name   string
		method string
		target string
		accept string
		want   Class
	}{
		{"post bypasses", http.MethodPost, "https://site.example/api/contact", "", Unclassified},
		{"post html bypasses", http.MethodPost, "https://site.example/logo.png", htmlAccept, Unclassified},
		{"seed root", http.MethodGet, "https://site.example/", htmlAccept, StaticAsset},
		{"seed manifest", http.MethodGet, "https://site.example/manifest.json", "", StaticAsset},
		{"extension png", http.MethodGet, "https://site.example/images/hero.png", "", StaticAsset},
		{"extension upper case", http.MethodGet, "https://site.example/IMG/HERO.PNG", "", StaticAsset},
		{"bundled script", http.MethodGet, "https://site.example/assets/index-4f3a.js", "", StaticAsset},
		{"font file on cdn wins over cdn pattern", http.MethodGet, "https://fonts.gstatic.com/s/inter.woff2", "", StaticAsset},
		{"own api", http.MethodGet, "https://site.example/api/projects", htmlAccept, APIData},
		{"backend host", http.MethodGet, "https://abc.supabase.co/rest/v1/projects?select=*", "", APIData},
		{"font css", http.MethodGet, "https://fonts.googleapis.com/css2?family=Inter", "", APIData},
		{"image cdn", http.MethodGet, "https://images.pexels.com/photos/1/pexels-photo-1.jpeg?auto=compress", "", StaticAsset},
		{"image cdn page", http.MethodGet, "https://www.pexels.com/photo/1/", "", APIData},
		{"document", http.MethodGet, "https://site.example/projects/42", htmlAccept, NavigableDocument},
		{"unknown json", http.MethodGet, "https://site.example/feed", "application/json", APIData},
		{"unknown no accept", http.MethodGet, "https://site.example/unknown", "", APIData},
	}
	for _, tc := range tests {
		if got := c.Classify(request(tc.method, tc.target, tc.accept)); got != tc.want {
			t.Fatalf("%s: Classify(%s %s) = %s, want %s", tc.name, tc.method, tc.target, got, tc.want)
		}
	}
}

func TestClassifyNonHTTPSchemeBypasses(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	r := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Scheme: "chrome-extension", Host: "abcdef", Path: "/logo.png"},
		Header: http.Header{},
	}
	if got := c.Classify(r); got != Unclassified {
		t.Fatalf("Classify = %s, want %s", got, Unclassified)
	}
}

func TestClassifyIsTotal(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	inputs := []*http.Request{
		nil,
		{Method: http.MethodGet},
		{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "site.example"}, Header: http.Header{}},
		{Method: http.MethodDelete, URL: &url.URL{Scheme: "https", Host: "site.example", Path: "/api/x"}, Header: http.Header{}},
		{Method: http.MethodGet, URL: &url.URL{Scheme: "http", Host: "site.example", Path: "/.env"}, Header: http.Header{}},
	}
	for _, r := range inputs {
		got := c.Classify(r)
		switch got {
		case Unclassified, StaticAsset, APIData, NavigableDocument:
		default:
			t.Fatalf("Classify returned out-of-range class %d", got)
		}
	}
}

func TestEmptyHostPathCountsAsRoot(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	r := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "site.example"}, Header: http.Header{}}
	if got := c.Classify(r); got != StaticAsset {
		t.Fatalf("Classify = %s, want %s", got, StaticAsset)
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	if _, err := New(Rules{APIPatterns: []string{"("}}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCustomRulesExtendClassification(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	rules.StaticExtensions = append(rules.StaticExtensions, ".webp")
	rules.APIPatterns = append(rules.APIPatterns, `cdn\.jsdelivr\.net`)
	c, err := New(rules)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.Classify(request(http.MethodGet, "https://site.example/a.webp", "")); got != StaticAsset {
		t.Fatalf("webp = %s, want %s", got, StaticAsset)
	}
	if got := c.Classify(request(http.MethodGet, "https://cdn.jsdelivr.net/npm/x", htmlAccept)); got != APIData {
		t.Fatalf("jsdelivr = %s, want %s", got, APIData)
	}
}

func TestClassString(t *testing.T) {
	t.Parallel()

	if NavigableDocument.String() != "navigable_document" || Class(99).String() != "unclassified" {
		t.Fatal("unexpected class names")
	}
}
