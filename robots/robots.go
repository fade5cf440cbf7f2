// Package robots contains the bundled robots policy subscriber. It tags
// CrawlURIs that robots.txt disallows for the configured user agent, walks
// Sitemap directives on seed origins to discover additional URIs, and tags
// pages carrying noindex or nofollow directives in the X-Robots-Tag header
// or a robots meta element.
//
// The subscriber never votes; it abstains from every decision and leaves it
// to other subscribers to translate the tags into verdicts.
package robots

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"

	"github.com/crawlkit/crawlkit"
	"github.com/crawlkit/crawlkit/client"
	"github.com/crawlkit/crawlkit/logger"
)

// Tags attached by the subscriber. Directive matching is substring based and
// case-sensitive, mirroring how the tags are emitted by common servers.
const (
	TagNoindex             = "noindex"
	TagNofollow            = "nofollow"
	TagDisallowedRobotsTxt = "disallowed-robots-txt"
)

// Subscriber is engine-aware: register it with AddSubscriber before
// crawling. robots.txt files are fetched per origin and cached for the
// lifetime of the subscriber; fetch or parse failures are treated as "no
// robots.txt" so the crawl fails open.
type Subscriber struct {
	engine crawlkit.EngineHandle
	log    logger.Logger

	cache        map[string]*robotstxt.RobotsData
	sitemapsDone map[string]struct{}
}

func NewSubscriber() *Subscriber {
	return &Subscriber{
		cache:        make(map[string]*robotstxt.RobotsData),
		sitemapsDone: make(map[string]struct{}),
	}
}

func (s *Subscriber) SetEngine(h crawlkit.EngineHandle) {
	s.engine = h
	s.log = h.Log().WithSource("robots")
}

// ShouldRequest tags the URI when robots.txt disallows its path and, for
// seeds, walks the origin's sitemaps. It always abstains.
func (s *Subscriber) ShouldRequest(c *crawlkit.CrawlURI) crawlkit.Verdict {
	origin := c.URL().Scheme + "://" + c.URL().Host
	data := s.load(origin)

	if data != nil && !data.TestAgent(requestPath(c.URL()), s.engine.UserAgent()) {
		c.AddTag(TagDisallowedRobotsTxt)
		s.log.Debug("%s", c.LogMessage("disallowed by robots.txt"))
	}

	if c.Level() == 0 && data != nil {
		s.discoverSitemaps(origin, data, c)
	}

	return crawlkit.Abstain
}

// NeedsContent scans the X-Robots-Tag header. It always abstains.
func (s *Subscriber) NeedsContent(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) crawlkit.Verdict {
	for _, value := range resp.Header().Values("X-Robots-Tag") {
		s.applyDirectives(c, value, "X-Robots-Tag header")
	}
	return crawlkit.Abstain
}

// OnLastChunk inspects the robots meta element of HTML responses.
func (s *Subscriber) OnLastChunk(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) {
	if !strings.Contains(resp.Header().Get("Content-Type"), "text/html") {
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Content()))
	if err != nil {
		s.log.Debug("%s", c.LogMessage("failed to parse HTML: "+err.Error()))
		return
	}

	if content, ok := doc.Find(`head meta[name="robots"]`).Attr("content"); ok {
		s.applyDirectives(c, content, "robots meta element")
	}
}

func (s *Subscriber) applyDirectives(c *crawlkit.CrawlURI, value, source string) {
	for _, tag := range []string{TagNoindex, TagNofollow} {
		if strings.Contains(value, tag) && !c.HasTag(tag) {
			c.AddTag(tag)
			s.log.Debug("%s", c.LogMessage("tagged "+tag+" from "+source))
		}
	}
}

// load fetches and parses the origin's robots.txt once. A nil entry means
// the origin has no usable robots.txt and everything is allowed.
func (s *Subscriber) load(origin string) *robotstxt.RobotsData {
	if data, ok := s.cache[origin]; ok {
		return data
	}

	var data *robotstxt.RobotsData

	resp, err := s.engine.HTTPClient().FetchAll(context.Background(), origin+"/robots.txt", s.engine.UserAgent())
	if err != nil {
		s.log.Debug("no robots.txt for %s: %v", origin, err)
	} else if resp.StatusCode() != 200 {
		s.log.Debug("no robots.txt for %s: status %d", origin, resp.StatusCode())
	} else if parsed, perr := robotstxt.FromBytes(resp.Content()); perr != nil {
		s.log.Debug("unparsable robots.txt for %s: %v", origin, perr)
	} else {
		data = parsed
	}

	s.cache[origin] = data
	return data
}

type sitemapURLSet struct {
	URLs []sitemapURLEntry `xml:"url"`
}

type sitemapURLEntry struct {
	Loc string `xml:"loc"`
}

// discoverSitemaps walks the Sitemap directives of an origin once per
// subscriber lifetime. Discovered URIs are enqueued below a synthetic, already processed
// CrawlURI standing for the robots.txt itself, so they land at level 2.
func (s *Subscriber) discoverSitemaps(origin string, data *robotstxt.RobotsData, seed *crawlkit.CrawlURI) {
	if _, ok := s.sitemapsDone[origin]; ok {
		return
	}
	s.sitemapsDone[origin] = struct{}{}

	robotsURL, err := url.Parse(origin + "/robots.txt")
	if err != nil {
		return
	}
	foundOn := crawlkit.NewFoundCrawlURI(robotsURL, 1, seed.URL())
	foundOn.MarkProcessed()

	for _, sitemap := range data.Sitemaps {
		s.walkSitemap(sitemap, foundOn)
	}
}

func (s *Subscriber) walkSitemap(rawURL string, foundOn *crawlkit.CrawlURI) {
	resp, err := s.engine.HTTPClient().FetchAll(context.Background(), rawURL, s.engine.UserAgent())
	if err != nil {
		s.log.Debug("failed to fetch sitemap %s: %v", rawURL, err)
		return
	}
	if resp.StatusCode() != 200 {
		s.log.Debug("skipping sitemap %s: status %d", rawURL, resp.StatusCode())
		return
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(resp.Content(), &set); err != nil {
		s.log.Debug("unparsable sitemap %s: %v", rawURL, err)
		return
	}

	for _, entry := range set.URLs {
		loc, err := url.Parse(strings.TrimSpace(entry.Loc))
		if err != nil || !loc.IsAbs() {
			continue
		}
		if _, err := s.engine.AddURIToQueue(loc, foundOn, false); err != nil {
			s.log.Debug("failed to enqueue sitemap entry %s: %v", loc, err)
		}
	}
}

func requestPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
