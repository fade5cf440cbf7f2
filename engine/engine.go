// Package engine contains the crawl dispatcher. The engine pulls CrawlURIs
// from the queue, asks the registered subscribers whether each should be
// requested, issues up to a configured number of concurrent GET requests and
// multiplexes their streamed chunks back onto a single dispatch goroutine,
// where all subscriber hooks run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/crawlkit/crawlkit"
	"github.com/crawlkit/crawlkit/client"
	"github.com/crawlkit/crawlkit/logger"
	"github.com/crawlkit/crawlkit/metrics"
	"github.com/crawlkit/crawlkit/queue"
)

const (
	defaultConcurrency = 10
	defaultUserAgent   = "crawlkit/1.0"
)

type config struct {
	userAgent    string
	maxRequests  int
	concurrency  int
	maxDepth     int
	requestDelay time.Duration
}

// subscriberEntry caches the optional capabilities of a subscriber at
// registration time, keeping type probing off the hot path.
type subscriberEntry struct {
	sub       crawlkit.Subscriber
	exception crawlkit.ExceptionSubscriber
	finished  crawlkit.FinishedSubscriber
	aware     crawlkit.EngineAware
}

// Engine drives one crawl job. Configuration is immutable after
// construction; the With modifiers return a new Engine sharing the queue and
// subscribers. Crawl owns all engine state from a single dispatch goroutine,
// so no locking is needed around it.
type Engine struct {
	jobID   string
	queue   queue.Queue
	client  *client.Client
	baseLog logger.Logger
	log     logger.Logger
	mets    *metrics.Metrics
	cfg     config

	subs []*subscriberEntry

	crawlCtx     context.Context
	requestsSent int
	running      map[string]*inflight
	decisions    *decisionCache
}

type inflight struct {
	c    *crawlkit.CrawlURI
	resp *client.Response
}

// crawlEvent is one multiplexed (response, chunk) pair, or a per-request
// error, delivered to the dispatch goroutine.
type crawlEvent struct {
	c     *crawlkit.CrawlURI
	resp  *client.Response
	chunk *client.Chunk
	err   error
}

var _ crawlkit.EngineHandle = (*Engine)(nil)

type Option func(*Engine)

func WithUserAgent(ua string) Option {
	return func(e *Engine) { e.cfg.userAgent = ua }
}

// WithMaxRequests bounds the number of requests per Crawl call; 0 means
// unbounded.
func WithMaxRequests(n int) Option {
	return func(e *Engine) { e.cfg.maxRequests = n }
}

func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.cfg.concurrency = n
		}
	}
}

// WithMaxDepth bounds the discovery depth; 0 means unbounded.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.cfg.maxDepth = n }
}

// WithRequestDelay inserts a pause between consecutive request starts. The
// delay is global, it does not pace per host.
func WithRequestDelay(d time.Duration) Option {
	return func(e *Engine) { e.cfg.requestDelay = d }
}

func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		e.baseLog = log
		e.log = log.WithSource("engine")
	}
}

func WithHTTPClient(c *client.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.mets = m }
}

func newEngine(q queue.Queue, opts ...Option) *Engine {
	baseLog := logger.NewStdLogger()
	e := &Engine{
		queue:   q,
		client:  client.New(client.Options{}),
		baseLog: baseLog,
		log:     baseLog.WithSource("engine"),
		cfg: config{
			userAgent:   defaultUserAgent,
			concurrency: defaultConcurrency,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// New creates a job from the base URIs and an engine to crawl it. It fails
// with crawlkit.ErrEmptyBaseURIs when the collection is empty.
func New(ctx context.Context, bases *crawlkit.BaseURICollection, q queue.Queue, opts ...Option) (*Engine, error) {
	if bases == nil || bases.IsEmpty() {
		return nil, crawlkit.ErrEmptyBaseURIs
	}

	e := newEngine(q, opts...)

	jobID, err := q.CreateJob(ctx, bases)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	e.jobID = jobID

	return e, nil
}

// Resume creates an engine for an existing job, typically one persisted by a
// durable queue backend. It fails with crawlkit.ErrInvalidJobID when the
// queue does not know the job.
func Resume(ctx context.Context, jobID string, q queue.Queue, opts ...Option) (*Engine, error) {
	if !q.IsJobValid(ctx, jobID) {
		return nil, fmt.Errorf("%w: %s", crawlkit.ErrInvalidJobID, jobID)
	}

	e := newEngine(q, opts...)
	e.jobID = jobID

	return e, nil
}

// clone copies the engine with a config mutation applied and rebinds every
// engine-aware subscriber to the copy.
func (e *Engine) clone(mutate func(*Engine)) *Engine {
	n := &Engine{
		jobID:   e.jobID,
		queue:   e.queue,
		client:  e.client,
		baseLog: e.baseLog,
		log:     e.log,
		mets:    e.mets,
		cfg:     e.cfg,
		subs:    append([]*subscriberEntry(nil), e.subs...),
	}
	mutate(n)
	for _, s := range n.subs {
		if s.aware != nil {
			s.aware.SetEngine(n)
		}
	}
	return n
}

// WithUserAgent returns a copy of the engine with a different user agent.
func (e *Engine) WithUserAgent(ua string) *Engine {
	return e.clone(func(n *Engine) { n.cfg.userAgent = ua })
}

// WithMaxRequests returns a copy with a different request bound.
func (e *Engine) WithMaxRequests(max int) *Engine {
	return e.clone(func(n *Engine) { n.cfg.maxRequests = max })
}

// WithConcurrency returns a copy with a different concurrency limit.
func (e *Engine) WithConcurrency(n int) *Engine {
	return e.clone(func(c *Engine) {
		if n >= 1 {
			c.cfg.concurrency = n
		}
	})
}

// WithMaxDepth returns a copy with a different depth bound.
func (e *Engine) WithMaxDepth(depth int) *Engine {
	return e.clone(func(n *Engine) { n.cfg.maxDepth = depth })
}

// WithRequestDelay returns a copy with a different inter-request delay.
func (e *Engine) WithRequestDelay(d time.Duration) *Engine {
	return e.clone(func(n *Engine) { n.cfg.requestDelay = d })
}

// WithLogger returns a copy logging through the given logger.
func (e *Engine) WithLogger(log logger.Logger) *Engine {
	return e.clone(func(n *Engine) {
		n.baseLog = log
		n.log = log.WithSource("engine")
	})
}

// AddSubscriber registers a subscriber. Registration order is the dispatch
// order for every hook. Optional capabilities are detected once, here.
func (e *Engine) AddSubscriber(s crawlkit.Subscriber) {
	entry := &subscriberEntry{sub: s}
	if x, ok := s.(crawlkit.ExceptionSubscriber); ok {
		entry.exception = x
	}
	if x, ok := s.(crawlkit.FinishedSubscriber); ok {
		entry.finished = x
	}
	if x, ok := s.(crawlkit.EngineAware); ok {
		entry.aware = x
		x.SetEngine(e)
	}
	e.subs = append(e.subs, entry)
}

// JobID returns the id of the job this engine crawls.
func (e *Engine) JobID() string {
	return e.jobID
}

// RequestsSent returns the number of requests started so far.
func (e *Engine) RequestsSent() int {
	return e.requestsSent
}

// UserAgent returns the configured user agent.
func (e *Engine) UserAgent() string {
	return e.cfg.userAgent
}

// HTTPClient returns the engine's HTTP client for subscribers that issue
// auxiliary requests.
func (e *Engine) HTTPClient() *client.Client {
	return e.client
}

// Log returns the logger subscribers should derive their own source from.
func (e *Engine) Log() logger.Logger {
	return e.baseLog
}

// BaseURIs returns the job's seed collection.
func (e *Engine) BaseURIs() (*crawlkit.BaseURICollection, error) {
	return e.queue.BaseURIs(e.ctx(), e.jobID)
}

// LookupURI returns the job's CrawlURI for u, or nil when unknown.
func (e *Engine) LookupURI(u *url.URL) (*crawlkit.CrawlURI, error) {
	return e.queue.Get(e.ctx(), e.jobID, u)
}

// AddURIToQueue enqueues a discovered URI one level below foundOn, with
// foundOn's URI as parent. When an entry with the same normalized identity
// already exists it is returned unchanged, so at most one CrawlURI exists
// per identity per job.
func (e *Engine) AddURIToQueue(u *url.URL, foundOn *crawlkit.CrawlURI, processed bool) (*crawlkit.CrawlURI, error) {
	ctx := e.ctx()

	existing, err := e.queue.Get(ctx, e.jobID, u)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	level := 1
	var parent *url.URL
	if foundOn != nil {
		level = foundOn.Level() + 1
		parent = foundOn.URL()
	}

	c := crawlkit.NewFoundCrawlURI(u, level, parent)
	if processed {
		c.MarkProcessed()
	}

	if err := e.queue.Add(ctx, e.jobID, c); err != nil {
		return nil, err
	}
	if e.mets != nil {
		e.mets.URIsEnqueued.Inc()
	}
	return c, nil
}

func (e *Engine) ctx() context.Context {
	if e.crawlCtx != nil {
		return e.crawlCtx
	}
	return context.Background()
}

// Crawl blocks until the queue has no unprocessed entry left or the request
// bound is reached, and every in-flight request resolved. Per-request
// transport and HTTP failures are routed to exception subscribers and do not
// abort the crawl; any other error does.
func (e *Engine) Crawl(ctx context.Context) error {
	e.crawlCtx = ctx
	defer func() { e.crawlCtx = nil }()

	e.decisions = newDecisionCache()
	e.running = make(map[string]*inflight)
	e.requestsSent = 0

	events := make(chan crawlEvent)
	done := make(chan struct{})
	defer close(done)

	for {
		if err := e.prepare(ctx, events, done); err != nil {
			e.cancelAll()
			return err
		}
		if len(e.running) == 0 {
			break
		}

		select {
		case ev := <-events:
			if err := e.handleEvent(ev); err != nil {
				e.cancelAll()
				return err
			}
		case <-ctx.Done():
			e.cancelAll()
			return ctx.Err()
		}
	}

	e.log.Debug("finished crawling, %d request(s) sent", e.requestsSent)
	for _, s := range e.subs {
		if s.finished != nil {
			s.finished.FinishedCrawling()
		}
	}
	return nil
}

// prepare fills the running set up to the concurrency limit.
func (e *Engine) prepare(ctx context.Context, events chan<- crawlEvent, done <-chan struct{}) error {
	for len(e.running) < e.cfg.concurrency && !e.maxRequestsReached() {
		c, err := e.queue.Next(ctx, e.jobID)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch next queue entry: %w", err)
		}
		if c.Processed() {
			continue
		}

		c.MarkProcessed()
		if err := e.queue.Add(ctx, e.jobID, c); err != nil {
			return fmt.Errorf("failed to persist queue entry: %w", err)
		}

		if scheme := c.URL().Scheme; scheme != "http" && scheme != "https" {
			e.log.Debug("%s", c.LogMessage("skipped, unsupported scheme "+scheme))
			continue
		}
		if e.cfg.maxDepth > 0 && c.Level() > e.cfg.maxDepth {
			e.log.Debug("%s", c.LogMessage("skipped, maximum depth reached"))
			continue
		}

		if !e.pollShouldRequest(c) {
			e.log.Debug("%s", c.LogMessage("skipped, no subscriber requested it"))
			e.persist(c)
			continue
		}

		if e.cfg.requestDelay > 0 {
			select {
			case <-time.After(e.cfg.requestDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		e.startRequest(ctx, c, events, done)
	}
	return nil
}

func (e *Engine) maxRequestsReached() bool {
	return e.cfg.maxRequests > 0 && e.requestsSent >= e.cfg.maxRequests
}

func (e *Engine) pollShouldRequest(c *crawlkit.CrawlURI) bool {
	positive := false
	for i, s := range e.subs {
		v, polled := e.decisions.get(hookShouldRequest, c.Key(), i)
		if !polled {
			v = s.sub.ShouldRequest(c)
			e.decisions.put(hookShouldRequest, c.Key(), i, v)
		}
		if v == crawlkit.Positive {
			positive = true
		}
	}
	return positive
}

// pollNeedsContent polls every subscriber whose ShouldRequest verdict was
// not Negative.
func (e *Engine) pollNeedsContent(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) bool {
	positive := false
	for i, s := range e.subs {
		if e.decisions.verdict(hookShouldRequest, c.Key(), i) == crawlkit.Negative {
			continue
		}
		v, polled := e.decisions.get(hookNeedsContent, c.Key(), i)
		if !polled {
			v = s.sub.NeedsContent(c, resp, chunk)
			e.decisions.put(hookNeedsContent, c.Key(), i, v)
		}
		if v == crawlkit.Positive {
			positive = true
		}
	}
	return positive
}

// startRequest counts the attempt, inserts the URI into the running set and
// spawns the goroutine that pumps (response, chunk) events back to the
// dispatch loop.
func (e *Engine) startRequest(ctx context.Context, c *crawlkit.CrawlURI, events chan<- crawlEvent, done <-chan struct{}) {
	e.running[c.Key()] = &inflight{c: c}
	e.requestsSent++
	if e.mets != nil {
		e.mets.RequestsSent.Inc()
		e.mets.InFlight.Inc()
	}

	rawURL := c.URL().String()
	userAgent := e.cfg.userAgent

	go func() {
		resp, err := e.client.Get(ctx, rawURL, userAgent, c)
		if err != nil {
			sendEvent(events, done, crawlEvent{c: c, err: err})
			return
		}

		for {
			chunk, err := resp.ReadChunk()
			if err != nil {
				if errors.Is(err, client.ErrCancelled) || errors.Is(err, io.EOF) {
					return
				}
				sendEvent(events, done, crawlEvent{c: c, resp: resp, err: err})
				return
			}
			if !sendEvent(events, done, crawlEvent{c: c, resp: resp, chunk: chunk}) {
				return
			}
			if chunk.Last {
				return
			}
		}
	}()
}

func sendEvent(events chan<- crawlEvent, done <-chan struct{}, ev crawlEvent) bool {
	select {
	case events <- ev:
		return true
	case <-done:
		return false
	}
}

// handleEvent runs the stream phase for one (response, chunk) pair. Events
// for requests that finished or were cancelled in the meantime are dropped.
func (e *Engine) handleEvent(ev crawlEvent) error {
	fl, ok := e.running[ev.c.Key()]
	if !ok {
		return nil
	}
	if fl.resp == nil {
		fl.resp = ev.resp
	}

	if ev.err != nil {
		return e.routeError(ev.c, ev.err, ev.resp, nil)
	}

	chunk := ev.chunk
	resp := ev.resp

	if chunk.First {
		if err := resp.EnsureSuccess(); err != nil {
			return e.routeError(ev.c, err, resp, chunk)
		}
		if !e.pollNeedsContent(ev.c, resp, chunk) {
			e.log.Debug("%s", ev.c.LogMessage("cancelled, no subscriber needs the content"))
			resp.Cancel()
			e.finish(ev.c)
			return nil
		}
		if chunk.Last {
			return e.lastChunk(ev.c, resp, chunk)
		}
		return nil
	}

	if chunk.Last {
		return e.lastChunk(ev.c, resp, chunk)
	}
	return nil
}

// lastChunk notifies every subscriber whose NeedsContent verdict was not
// Negative, then finishes the request.
func (e *Engine) lastChunk(c *crawlkit.CrawlURI, resp *client.Response, chunk *client.Chunk) error {
	for i, s := range e.subs {
		if e.decisions.verdict(hookNeedsContent, c.Key(), i) == crawlkit.Negative {
			continue
		}
		s.sub.OnLastChunk(c, resp, chunk)
	}

	if e.mets != nil {
		e.mets.Responses.WithLabelValues(strconv.Itoa(resp.StatusCode())).Inc()
	}
	e.finish(c)
	return nil
}

// routeError implements the exception path: per-request transport and HTTP
// errors are logged, dispatched to exception subscribers and absorbed;
// anything else is a programming error and aborts the crawl.
func (e *Engine) routeError(c *crawlkit.CrawlURI, err error, resp *client.Response, chunk *client.Chunk) error {
	e.log.Debug("%s", c.LogMessage("error: "+err.Error()))

	var terr *client.TransportError
	var herr *client.HTTPError

	switch {
	case errors.As(err, &terr):
		for _, s := range e.subs {
			if s.exception != nil {
				s.exception.OnTransportError(c, terr, resp)
			}
		}
		if e.mets != nil {
			e.mets.TransportErrors.Inc()
		}
		if resp != nil {
			resp.Cancel()
		}
		e.finish(c)
		return nil

	case errors.As(err, &herr):
		if chunk == nil {
			return fmt.Errorf("unknown exception: HTTP error without a chunk: %w", err)
		}
		// Finish first on the final chunk so exception subscribers observe
		// consistent state.
		if chunk.Last {
			if e.mets != nil && resp != nil {
				e.mets.Responses.WithLabelValues(strconv.Itoa(resp.StatusCode())).Inc()
			}
			e.finish(c)
		}
		for _, s := range e.subs {
			if s.exception != nil {
				s.exception.OnHTTPError(c, herr, resp, chunk)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown exception: %w", err)
	}
}

// finish removes the request from the running set and persists the entry,
// which carries the processed flag and any tags subscribers attached.
func (e *Engine) finish(c *crawlkit.CrawlURI) {
	if _, ok := e.running[c.Key()]; !ok {
		return
	}
	delete(e.running, c.Key())
	if e.mets != nil {
		e.mets.InFlight.Dec()
	}
	e.persist(c)
}

func (e *Engine) persist(c *crawlkit.CrawlURI) {
	if err := e.queue.Add(e.ctx(), e.jobID, c); err != nil {
		e.log.Error("%s", c.LogMessage("failed to persist entry: "+err.Error()))
	}
}

func (e *Engine) cancelAll() {
	for _, fl := range e.running {
		if fl.resp != nil {
			fl.resp.Cancel()
		}
	}
	e.running = make(map[string]*inflight)
}
