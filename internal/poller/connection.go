package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"lightpoll/internal/channels"
	"lightpoll/internal/observability/logging"
)

// maxDocumentSize caps how much of a published document is read.
const maxDocumentSize = 4 << 20

var (
	// ErrInFlight is returned by Refresh while another fetch is outstanding.
	ErrInFlight = errors.New("fetch already in flight")
	// ErrStopped is returned by Refresh after Stop.
	ErrStopped = errors.New("connection stopped")

	errNotModified = errors.New("not modified")
)

type handler struct {
	channel string
	fn      func(Update)
}

// Connection polls the published document of one connection and reports
// channel changes to registered handlers. It is safe for concurrent use.
type Connection struct {
	id       string
	url      string
	opts     options
	logger   *slog.Logger
	dispatch func([]Update)

	mu           sync.Mutex
	last         channels.Snapshot
	delay        time.Duration
	target       time.Duration
	started      bool
	stopped      bool
	waiting      bool
	timer        Timer
	lastModified string
	etag         string
	handlers     []handler
}

// NewConnection returns an idle connection polling url, seeded with the
// snapshot the page was rendered with.
func NewConnection(id, url string, seed channels.Snapshot, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.WithComponent(o.logger, "poller")
	return newConnection(id, url, seed, o, nil)
}

func newConnection(id, url string, seed channels.Snapshot, o options, dispatch func([]Update)) *Connection {
	if seed == nil {
		seed = channels.Snapshot{}
	}
	return &Connection{
		id:       id,
		url:      url,
		opts:     o,
		logger:   o.logger.With("connection_id", id),
		dispatch: dispatch,
		last:     seed,
		delay:    o.initialDelay,
		target:   o.targetDelay,
	}
}

// Relax moves current a tenth of the way towards target. Repeated calls
// converge on target geometrically without overshooting it.
func Relax(current, target time.Duration) time.Duration {
	return current + (target-current)/10
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// URL returns the polled document URL.
func (c *Connection) URL() string { return c.url }

// Start schedules the first fetch. Later calls do nothing.
func (c *Connection) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.scheduleLocked()
}

// Started reports whether Start has been called.
func (c *Connection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Stop prevents any further fetch. A fetch already in flight completes and
// its result is discarded.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// SuggestDelay lowers the target delay. It never goes below the minimum delay
// and never raises the target.
func (c *Connection) SuggestDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = min(c.target, max(c.opts.minDelay, d))
}

// ThrottleUp polls at the minimum delay until the delay relaxes again.
func (c *Connection) ThrottleUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = c.opts.minDelay
}

// Delays returns the current and target delays.
func (c *Connection) Delays() (current, target time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay, c.target
}

// HasChannel reports whether the last snapshot contains the channel.
func (c *Connection) HasChannel(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.last[name]
	return ok
}

// Snapshot returns a copy of the last snapshot.
func (c *Connection) Snapshot() channels.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(channels.Snapshot, len(c.last))
	for name, state := range c.last {
		out[name] = state
	}
	return out
}

// OnUpdate registers fn for updates on channel. An empty channel receives
// every update.
func (c *Connection) OnUpdate(channel string, fn func(Update)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler{channel: channel, fn: fn})
}

// Refresh fetches the document now, outside the schedule, and dispatches any
// updates it finds.
func (c *Connection) Refresh(ctx context.Context) ([]Update, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	if c.waiting {
		c.mu.Unlock()
		return nil, ErrInFlight
	}
	c.waiting = true
	c.mu.Unlock()
	return c.poll(ctx)
}

func (c *Connection) scheduleLocked() {
	c.timer = c.opts.schedule(c.delay, c.tick)
	c.delay = Relax(c.delay, c.target)
}

func (c *Connection) tick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.waiting {
		c.timer = c.opts.schedule(c.opts.inFlightRetry, c.tick)
		c.mu.Unlock()
		return
	}
	c.waiting = true
	c.scheduleLocked()
	c.mu.Unlock()

	if _, err := c.poll(context.Background()); err != nil {
		c.logger.Debug("poll failed", "url", c.url, "error", err)
	}
}

// poll runs one fetch. The caller has set waiting.
func (c *Connection) poll(ctx context.Context) ([]Update, error) {
	c.mu.Lock()
	lastModified, etag := c.lastModified, c.etag
	c.mu.Unlock()

	snap, modified, tag, err := c.fetch(ctx, lastModified, etag)

	c.mu.Lock()
	c.waiting = false
	if err != nil || c.stopped {
		c.mu.Unlock()
		if errors.Is(err, errNotModified) {
			return nil, nil
		}
		return nil, err
	}
	c.lastModified, c.etag = modified, tag
	updates := Diff(c.last, snap)
	c.last = snap
	handlers := append([]handler(nil), c.handlers...)
	c.mu.Unlock()

	if len(updates) == 0 {
		return nil, nil
	}
	for i := range updates {
		updates[i].Connection = c.id
	}
	for _, u := range updates {
		for _, h := range handlers {
			if h.channel == "" || h.channel == u.Channel {
				h.fn(u)
			}
		}
	}
	if c.dispatch != nil {
		c.dispatch(updates)
	}
	return updates, nil
}

func (c *Connection) fetch(ctx context.Context, lastModified, etag string) (channels.Snapshot, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, "", "", err
	}
	req.Header.Set("Accept", "application/json")
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	setBearer(req, c.opts.token)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", "", errNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", "", fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", "", fmt.Errorf("read document: %w", err)
	}
	snap, err := channels.ParseSnapshot(data)
	if err != nil {
		return nil, "", "", err
	}
	return snap, resp.Header.Get("Last-Modified"), resp.Header.Get("ETag"), nil
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
