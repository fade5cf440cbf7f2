package crawlkit

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// CrawlURI is a normalized URI together with its discovery metadata: the
// depth at which it was found, the URI it was found on, whether it has been
// processed, and a set of string tags attached by subscribers.
type CrawlURI struct {
	uri    *url.URL
	level  int
	parent *url.URL

	mu        sync.Mutex
	processed bool
	tags      map[string]struct{}
}

// NewCrawlURI creates a level-0 CrawlURI, i.e. a seed without a parent.
func NewCrawlURI(u *url.URL) *CrawlURI {
	return &CrawlURI{
		uri:  NormalizeURL(u),
		tags: make(map[string]struct{}),
	}
}

// NewFoundCrawlURI creates a CrawlURI discovered on another URI. The level
// must be positive; parent is the URI the link was found on.
func NewFoundCrawlURI(u *url.URL, level int, parent *url.URL) *CrawlURI {
	c := NewCrawlURI(u)
	c.level = level
	if parent != nil {
		c.parent = NormalizeURL(parent)
	}
	return c
}

// URL returns the normalized URI.
func (c *CrawlURI) URL() *url.URL {
	return c.uri
}

// Key returns the normalized URI string, which is the identity of the
// CrawlURI. Two CrawlURIs with the same key are the same entry at the queue
// boundary.
func (c *CrawlURI) Key() string {
	return c.uri.String()
}

func (c *CrawlURI) String() string {
	return c.uri.String()
}

// Level returns the discovery depth, 0 for seeds.
func (c *CrawlURI) Level() int {
	return c.level
}

// Parent returns the URI this one was discovered on, or nil for seeds.
func (c *CrawlURI) Parent() *url.URL {
	return c.parent
}

// Processed reports whether the engine has picked up this URI.
func (c *CrawlURI) Processed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// MarkProcessed flips the processed flag. The transition is one-way.
func (c *CrawlURI) MarkProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = true
}

// AddTag attaches a string tag. Adding an existing tag is a no-op.
func (c *CrawlURI) AddTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[tag] = struct{}{}
}

// HasTag reports whether the tag is attached.
func (c *CrawlURI) HasTag(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tags[tag]
	return ok
}

// Tags returns all attached tags in sorted order.
func (c *CrawlURI) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.tags))
	for tag := range c.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// LogMessage renders a human-readable message that carries the URI and its
// level, for use in log lines about this URI.
func (c *CrawlURI) LogMessage(text string) string {
	return fmt.Sprintf("[URI: %s (level %d)] %s", c.uri.String(), c.level, text)
}

type crawlURIRecord struct {
	URI       string   `json:"uri"`
	Level     int      `json:"level"`
	Parent    string   `json:"parent,omitempty"`
	Processed bool     `json:"processed"`
	Tags      []string `json:"tags,omitempty"`
}

// MarshalJSON serializes the CrawlURI for persistent queue backends.
func (c *CrawlURI) MarshalJSON() ([]byte, error) {
	rec := crawlURIRecord{
		URI:       c.uri.String(),
		Level:     c.level,
		Processed: c.Processed(),
		Tags:      c.Tags(),
	}
	if c.parent != nil {
		rec.Parent = c.parent.String()
	}
	return json.Marshal(rec)
}

// UnmarshalJSON restores a CrawlURI persisted by a queue backend.
func (c *CrawlURI) UnmarshalJSON(data []byte) error {
	var rec crawlURIRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	u, err := url.Parse(rec.URI)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", rec.URI, err)
	}
	c.uri = NormalizeURL(u)
	c.level = rec.Level
	c.processed = rec.Processed
	c.tags = make(map[string]struct{}, len(rec.Tags))
	for _, tag := range rec.Tags {
		c.tags[tag] = struct{}{}
	}

	if rec.Parent != "" {
		p, err := url.Parse(rec.Parent)
		if err != nil {
			return fmt.Errorf("invalid parent uri %q: %w", rec.Parent, err)
		}
		c.parent = NormalizeURL(p)
	}

	return nil
}

// NormalizeURL returns a normalized copy of u: scheme and host lowercased,
// default ports stripped, fragment removed, dot segments resolved and query
// parameters sorted. Normalization is idempotent.
func NormalizeURL(u *url.URL) *url.URL {
	n := *u

	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""

	switch {
	case n.Scheme == "http" && strings.HasSuffix(n.Host, ":80"):
		n.Host = strings.TrimSuffix(n.Host, ":80")
	case n.Scheme == "https" && strings.HasSuffix(n.Host, ":443"):
		n.Host = strings.TrimSuffix(n.Host, ":443")
	}

	if n.Path != "" {
		n.Path = removeDotSegments(n.Path)
		n.RawPath = ""
	}

	if n.RawQuery != "" {
		query := n.Query()

		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var parts []string
		for _, k := range keys {
			vals := query[k]
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		n.RawQuery = strings.Join(parts, "&")
	}

	return &n
}

// NormalizeURLString parses and normalizes a raw URL string.
func NormalizeURLString(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	return NormalizeURL(u).String(), nil
}

// removeDotSegments applies the RFC 3986 section 5.2.4 algorithm.
func removeDotSegments(path string) string {
	var out []string
	rooted := strings.HasPrefix(path, "/")

	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case ".":
			// drop
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	cleaned := strings.Join(out, "/")
	if rooted && !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if (strings.HasSuffix(path, "/.") || strings.HasSuffix(path, "/..") || strings.HasSuffix(path, "/")) &&
		!strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}
