package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"lightpoll/internal/channels"
	"lightpoll/internal/observability/logging"
)

// ErrUnavailable is returned when the server answers a connection request
// with one of its string sentinels ("no access", "no file", ...).
var ErrUnavailable = errors.New("connection unavailable")

type payload struct {
	URL  string          `json:"url"`
	Init json.RawMessage `json:"init"`
}

// Client tracks the connections of one page: those handed over in the
// bootstrap payload and those fetched later.
type Client struct {
	base *url.URL
	opts options

	mu              sync.Mutex
	connections     map[string]*Connection
	channelHandlers []handler
}

// NewClient builds a client for the server at base. Object entries of
// bootstrap become idle connections; string entries are skipped.
func NewClient(base string, bootstrap json.RawMessage, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.WithComponent(o.logger, "poller")
	c := &Client{
		base:        parsed,
		opts:        o,
		connections: make(map[string]*Connection),
	}

	if err := c.addBootstrap(bootstrap); err != nil {
		return nil, err
	}
	return c, nil
}

// addBootstrap registers the object entries of a bootstrap payload. Known
// connections are kept as they are.
func (c *Client) addBootstrap(bootstrap json.RawMessage) error {
	bootstrap = bytes.TrimSpace(bootstrap)
	if len(bootstrap) == 0 || bytes.Equal(bootstrap, []byte("null")) {
		return nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(bootstrap, &entries); err != nil {
		return fmt.Errorf("decode bootstrap payload: %w", err)
	}
	for id, raw := range entries {
		p, err := parsePayload(raw)
		if err != nil {
			c.opts.logger.Debug("skipping bootstrap entry", "connection_id", id, "error", err)
			continue
		}
		conn, err := c.newConnection(id, p)
		if err != nil {
			c.opts.logger.Warn("skipping bootstrap entry", "connection_id", id, "error", err)
			continue
		}
		c.mu.Lock()
		if _, ok := c.connections[id]; !ok {
			c.connections[id] = conn
		}
		c.mu.Unlock()
	}
	return nil
}

// Bootstrap asks the server's page-data endpoint for ids, as a page load
// would, and registers the connections it returns without starting them.
func (c *Client) Bootstrap(ctx context.Context, ids ...string) error {
	query := url.Values{}
	for _, id := range ids {
		query.Add("connection", id)
	}
	endpoint := strings.TrimRight(c.base.String(), "/") + "/page-data?" + query.Encode()
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("fetch page data: %w", err)
	}
	return c.addBootstrap(data)
}

func parsePayload(raw json.RawMessage) (payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var reason string
		if err := json.Unmarshal(raw, &reason); err != nil {
			return payload{}, fmt.Errorf("decode payload: %w", err)
		}
		return payload{}, fmt.Errorf("%w: %s", ErrUnavailable, reason)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return payload{}, fmt.Errorf("%w: unexpected payload", ErrUnavailable)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.URL == "" {
		return payload{}, fmt.Errorf("%w: payload has no url", ErrUnavailable)
	}
	return p, nil
}

func (c *Client) newConnection(id string, p payload) (*Connection, error) {
	ref, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse connection url: %w", err)
	}
	seed := channels.Snapshot{}
	if trimmed := bytes.TrimSpace(p.Init); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		seed, err = channels.ParseSnapshot(trimmed)
		if err != nil {
			return nil, err
		}
	}
	return newConnection(id, c.base.ResolveReference(ref).String(), seed, c.opts, c.dispatch), nil
}

// GetConnection starts and returns the connection for id, asking the server
// for it when it was not part of the bootstrap payload.
func (c *Client) GetConnection(ctx context.Context, id string) (*Connection, error) {
	c.mu.Lock()
	conn, ok := c.connections[id]
	c.mu.Unlock()
	if ok {
		conn.Start()
		return conn, nil
	}

	raw, err := c.fetchConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	conn, err = c.newConnection(id, p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.connections[id]; ok {
		conn = existing
	} else {
		c.connections[id] = conn
	}
	c.mu.Unlock()
	conn.Start()
	return conn, nil
}

func (c *Client) fetchConnection(ctx context.Context, id string) (json.RawMessage, error) {
	endpoint := strings.TrimRight(c.base.String(), "/") + "/fetchConnection/" + url.PathEscape(id)
	data, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch connection: %w", err)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	setBearer(req, c.opts.token)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Names returns the identifiers of every known connection, sorted.
func (c *Client) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.connections))
	for id := range c.connections {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// OnChannelUpdate registers fn for updates on channel across every
// connection, including those created later, and starts the known
// connections that already carry the channel.
func (c *Client) OnChannelUpdate(channel string, fn func(Update)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.channelHandlers = append(c.channelHandlers, handler{channel: channel, fn: fn})
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if conn.HasChannel(channel) {
			conn.Start()
		}
	}
}

// Stop stops every connection.
func (c *Client) Stop() {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Stop()
	}
}

func (c *Client) dispatch(updates []Update) {
	c.mu.Lock()
	handlers := append([]handler(nil), c.channelHandlers...)
	c.mu.Unlock()
	for _, u := range updates {
		for _, h := range handlers {
			if h.channel == "" || h.channel == u.Channel {
				h.fn(u)
			}
		}
	}
}
