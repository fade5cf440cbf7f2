package crawlkit

import (
	"encoding/json"
	"net/url"
	"reflect"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return u
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://EXAMPLE.COM/Path",
			want: "https://example.com/Path",
		},
		{
			name: "strips fragment",
			in:   "https://example.com/page#section",
			want: "https://example.com/page",
		},
		{
			name: "strips default http port",
			in:   "http://example.com:80/page",
			want: "http://example.com/page",
		},
		{
			name: "strips default https port",
			in:   "https://example.com:443/page",
			want: "https://example.com/page",
		},
		{
			name: "keeps non-default port",
			in:   "http://example.com:8080/page",
			want: "http://example.com:8080/page",
		},
		{
			name: "resolves dot segments",
			in:   "https://example.com/a/./b/../c",
			want: "https://example.com/a/c",
		},
		{
			name: "dot segments cannot climb above root",
			in:   "https://example.com/../../a",
			want: "https://example.com/a",
		},
		{
			name: "sorts query parameters",
			in:   "https://example.com/page?b=2&a=1",
			want: "https://example.com/page?a=1&b=2",
		},
		{
			name: "keeps trailing slash",
			in:   "https://example.com/dir/",
			want: "https://example.com/dir/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeURL(mustParse(t, tt.in)).String()
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}

			// Normalization must be idempotent.
			again := NormalizeURL(mustParse(t, got)).String()
			if again != got {
				t.Errorf("NormalizeURL not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestCrawlURI_SeedInvariants(t *testing.T) {
	c := NewCrawlURI(mustParse(t, "HTTP://Example.com/#frag"))

	if c.Level() != 0 {
		t.Errorf("seed level = %d, want 0", c.Level())
	}
	if c.Parent() != nil {
		t.Errorf("seed parent = %v, want nil", c.Parent())
	}
	if c.Processed() {
		t.Error("new CrawlURI must not be processed")
	}
	if got := c.Key(); got != "http://example.com/" {
		t.Errorf("Key() = %q, want normalized identity", got)
	}
}

func TestCrawlURI_FoundInvariants(t *testing.T) {
	parent := mustParse(t, "http://example.com/")
	c := NewFoundCrawlURI(mustParse(t, "http://example.com/a"), 2, parent)

	if c.Level() != 2 {
		t.Errorf("level = %d, want 2", c.Level())
	}
	if c.Parent() == nil || c.Parent().String() != "http://example.com/" {
		t.Errorf("parent = %v, want http://example.com/", c.Parent())
	}
}

func TestCrawlURI_ProcessedTransition(t *testing.T) {
	c := NewCrawlURI(mustParse(t, "http://example.com/"))

	c.MarkProcessed()
	if !c.Processed() {
		t.Fatal("MarkProcessed did not stick")
	}

	// The transition is one-way; marking again changes nothing.
	c.MarkProcessed()
	if !c.Processed() {
		t.Fatal("processed flag regressed")
	}
}

func TestCrawlURI_Tags(t *testing.T) {
	c := NewCrawlURI(mustParse(t, "http://example.com/"))

	if c.HasTag("noindex") {
		t.Error("new CrawlURI has unexpected tag")
	}

	c.AddTag("noindex")
	c.AddTag("nofollow")
	c.AddTag("noindex")

	if !c.HasTag("noindex") || !c.HasTag("nofollow") {
		t.Error("tags missing after AddTag")
	}
	if got, want := c.Tags(), []string{"nofollow", "noindex"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tags() = %v, want %v", got, want)
	}
}

func TestCrawlURI_JSONRoundTrip(t *testing.T) {
	orig := NewFoundCrawlURI(mustParse(t, "http://example.com/a?b=2&a=1"), 3, mustParse(t, "http://example.com/"))
	orig.MarkProcessed()
	orig.AddTag("noindex")

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got CrawlURI
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Key() != orig.Key() {
		t.Errorf("key = %q, want %q", got.Key(), orig.Key())
	}
	if got.Level() != 3 {
		t.Errorf("level = %d, want 3", got.Level())
	}
	if got.Parent() == nil || got.Parent().String() != "http://example.com/" {
		t.Errorf("parent = %v, want http://example.com/", got.Parent())
	}
	if !got.Processed() {
		t.Error("processed flag lost")
	}
	if !got.HasTag("noindex") {
		t.Error("tag lost")
	}
}

func TestCrawlURI_LogMessage(t *testing.T) {
	c := NewFoundCrawlURI(mustParse(t, "http://example.com/a"), 1, mustParse(t, "http://example.com/"))

	got := c.LogMessage("skipped")
	want := "[URI: http://example.com/a (level 1)] skipped"
	if got != want {
		t.Errorf("LogMessage = %q, want %q", got, want)
	}
}
