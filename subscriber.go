package crawlkit

import (
	"net/url"

	"github.com/crawlkit/crawlkit/client"
	"github.com/crawlkit/crawlkit/logger"
)

// Verdict is a subscriber's answer to a decision hook. The engine aggregates
// verdicts across subscribers as "any Positive means proceed"; Negative and
// Abstain alone never cause a request or a body read.
type Verdict int

const (
	// Abstain is the zero value and the default for a decision that was
	// never polled.
	Abstain Verdict = iota
	Positive
	Negative
)

func (v Verdict) String() string {
	switch v {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "abstain"
	}
}

// Subscriber is the extension point of the engine. All hooks run on the
// engine's dispatch goroutine and must not block for long.
//
// ShouldRequest is polled before a GET is issued. NeedsContent is polled
// once the response headers and first chunk arrived; if no subscriber
// returns Positive the transfer is cancelled. OnLastChunk fires after the
// full body arrived, for every subscriber whose NeedsContent verdict was
// not Negative.
type Subscriber interface {
	ShouldRequest(c *CrawlURI) Verdict
	NeedsContent(c *CrawlURI, resp *client.Response, chunk *client.Chunk) Verdict
	OnLastChunk(c *CrawlURI, resp *client.Response, chunk *client.Chunk)
}

// ExceptionSubscriber is an optional capability for subscribers that want to
// observe per-request failures. Transport errors finish the request after
// the hook returns; HTTP errors carry the chunk that surfaced them.
type ExceptionSubscriber interface {
	OnTransportError(c *CrawlURI, terr *client.TransportError, resp *client.Response)
	OnHTTPError(c *CrawlURI, herr *client.HTTPError, resp *client.Response, chunk *client.Chunk)
}

// FinishedSubscriber is an optional capability invoked exactly once per
// Crawl call, after the queue drained or limits were hit and all in-flight
// requests resolved.
type FinishedSubscriber interface {
	FinishedCrawling()
}

// EngineAware is an optional capability for subscribers that call back into
// the engine. SetEngine is invoked at registration and again whenever a
// configuration modifier clones the engine.
type EngineAware interface {
	SetEngine(h EngineHandle)
}

// EngineHandle is the borrowed view of the engine offered to subscribers.
// Subscribers never own the engine; they receive a new handle on clone.
type EngineHandle interface {
	// AddURIToQueue enqueues a discovered URI one level below foundOn. If a
	// CrawlURI with the same normalized identity already exists for the job
	// it is returned unchanged.
	AddURIToQueue(u *url.URL, foundOn *CrawlURI, processed bool) (*CrawlURI, error)

	// LookupURI returns the job's CrawlURI for u, if any.
	LookupURI(u *url.URL) (*CrawlURI, error)

	// BaseURIs returns the job's seed collection.
	BaseURIs() (*BaseURICollection, error)

	UserAgent() string
	HTTPClient() *client.Client
	Log() logger.Logger
}
