// Package subscribers contains bundled decision subscribers. The
// LinkSubscriber is the one that makes a crawl actually walk: it votes for
// requesting and reading HTML, extracts anchors and feeds them back into the
// queue.
package subscribers

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlkit/crawlkit"
	"github.com/crawlkit/crawlkit/client"
	"github.com/crawlkit/crawlkit/logger"
	"github.com/crawlkit/crawlkit/robots"
)

type LinkOptions struct {
	// SameHostOnly restricts discovery to hosts of the job's base URIs.
	SameHostOnly bool

	// IgnoreRobotsTxt follows URIs tagged disallowed-robots-txt instead of
	// voting Negative on them.
	IgnoreRobotsTxt bool

	// SkipNofollowPages suppresses link discovery on pages tagged nofollow.
	// By default links are still enqueued; the tag is left for other
	// subscribers to act on.
	SkipNofollowPages bool
}

// LinkSubscriber discovers anchors in HTML responses and enqueues them one
// level below the page they were found on. It is engine-aware.
type LinkSubscriber struct {
	engine crawlkit.EngineHandle
	log    logger.Logger
	opts   LinkOptions

	allowedHosts map[string]bool
}

func NewLinkSubscriber(opts LinkOptions) *LinkSubscriber {
	return &LinkSubscriber{opts: opts}
}

func (s *LinkSubscriber) SetEngine(h crawlkit.EngineHandle) {
	s.engine = h
	s.log = h.Log().WithSource("links")
	s.allowedHosts = nil
}

func (s *LinkSubscriber) ShouldRequest(c *crawlkit.CrawlURI) crawlkit.Verdict {
	if !s.opts.IgnoreRobotsTxt && c.HasTag(robots.TagDisallowedRobotsTxt) {
		return crawlkit.Negative
	}
	return crawlkit.Positive
}

func (s *LinkSubscriber) NeedsContent(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) crawlkit.Verdict {
	if strings.Contains(resp.Header().Get("Content-Type"), "text/html") {
		return crawlkit.Positive
	}
	return crawlkit.Abstain
}

func (s *LinkSubscriber) OnLastChunk(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) {
	if !strings.Contains(resp.Header().Get("Content-Type"), "text/html") {
		return
	}
	if s.opts.SkipNofollowPages && c.HasTag(robots.TagNofollow) {
		s.log.Debug("%s", c.LogMessage("skipping links, page is tagged nofollow"))
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Content()))
	if err != nil {
		s.log.Debug("%s", c.LogMessage("failed to parse HTML: "+err.Error()))
		return
	}

	base := resp.URL()
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}

		target := base.ResolveReference(ref)
		if target.Scheme != "http" && target.Scheme != "https" {
			return
		}
		if s.opts.SameHostOnly && !s.hostAllowed(target) {
			return
		}

		if _, err := s.engine.AddURIToQueue(target, c, false); err != nil {
			s.log.Debug("%s", c.LogMessage("failed to enqueue "+target.String()+": "+err.Error()))
		}
	})
}

// hostAllowed lazily captures the base URI hosts of the job.
func (s *LinkSubscriber) hostAllowed(u *url.URL) bool {
	if s.allowedHosts == nil {
		s.allowedHosts = make(map[string]bool)
		bases, err := s.engine.BaseURIs()
		if err != nil {
			s.log.Debug("failed to load base URIs: %v", err)
			return false
		}
		for _, b := range bases.All() {
			s.allowedHosts[strings.ToLower(b.Host)] = true
		}
	}
	return s.allowedHosts[strings.ToLower(u.Host)]
}
