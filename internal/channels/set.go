package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultStorageLimit bounds a channel's message history when no explicit
// limit is supplied.
const DefaultStorageLimit = 10

// ErrInvalidMessage reports a message that cannot be represented as JSON.
var ErrInvalidMessage = errors.New("message is not JSON-encodable")

// Channel is a named stream of pings and small messages within a connection.
type Channel struct {
	Name     string
	LastPing int64
	// Messages is most-recent-first. A nil slice means the channel has never
	// carried a history (it was only added, never pinged).
	Messages []json.RawMessage
}

func (c Channel) clone() Channel {
	cloned := c
	if c.Messages != nil {
		cloned.Messages = make([]json.RawMessage, len(c.Messages))
		for i, msg := range c.Messages {
			cloned.Messages[i] = append(json.RawMessage(nil), msg...)
		}
	}
	return cloned
}

// Set is the full collection of channels behind one connection identifier.
type Set struct {
	channels     map[string]*Channel
	timeModified time.Time
	revision     uint64
	now          func() time.Time
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the clock used to stamp pings and modifications.
func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty, never-modified set.
func New(opts ...Option) *Set {
	s := &Set{channels: make(map[string]*Channel)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetClock replaces the clock on a loaded set.
func (s *Set) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Set) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Set) ensure() {
	if s.channels == nil {
		s.channels = make(map[string]*Channel)
	}
}

// Touch marks the set modified without changing any channel.
func (s *Set) Touch() {
	now := s.clock()
	if now.Before(s.timeModified) {
		now = s.timeModified
	}
	s.timeModified = now
	s.revision++
}

// AddChannel creates a channel that clients can discover before its first
// ping. Existing channels are left alone.
func (s *Set) AddChannel(name string) {
	s.ensure()
	if _, ok := s.channels[name]; ok {
		return
	}
	s.channels[name] = &Channel{Name: name}
	s.Touch()
}

// Ping records activity on a channel, creating it when needed. A zero time
// means now.
func (s *Set) Ping(name string, at time.Time) {
	s.ensure()
	if at.IsZero() {
		at = s.clock()
	}
	ch, ok := s.channels[name]
	if !ok {
		ch = &Channel{Name: name}
		s.channels[name] = ch
	}
	ch.LastPing = at.Unix()
	if ch.Messages == nil {
		ch.Messages = []json.RawMessage{}
	}
	s.Touch()
}

// AddMessage prepends message to the channel history, keeps at most limit
// entries and pings the channel. A non-positive limit selects
// DefaultStorageLimit. The set is untouched when message cannot be encoded.
func (s *Set) AddMessage(name string, message any, limit int) error {
	raw, err := encodeMessage(message)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = DefaultStorageLimit
	}
	s.ensure()
	ch, ok := s.channels[name]
	if !ok {
		ch = &Channel{Name: name}
		s.channels[name] = ch
	}
	history := make([]json.RawMessage, 0, len(ch.Messages)+1)
	history = append(history, raw)
	history = append(history, ch.Messages...)
	if len(history) > limit {
		history = history[:limit]
	}
	ch.Messages = history
	s.Ping(name, time.Time{})
	return nil
}

func encodeMessage(message any) (json.RawMessage, error) {
	switch v := message.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrInvalidMessage
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		if !json.Valid(v) {
			return nil, ErrInvalidMessage
		}
		return append(json.RawMessage(nil), v...), nil
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return raw, nil
}

// DeleteChannel removes a channel. The set is only marked modified when a
// channel was actually removed.
func (s *Set) DeleteChannel(name string) {
	if _, ok := s.channels[name]; !ok {
		return
	}
	delete(s.channels, name)
	s.Touch()
}

// Has reports whether the channel exists.
func (s *Set) Has(name string) bool {
	_, ok := s.channels[name]
	return ok
}

// Channel returns a copy of the named channel.
func (s *Set) Channel(name string) (Channel, bool) {
	ch, ok := s.channels[name]
	if !ok {
		return Channel{}, false
	}
	return ch.clone(), true
}

// ChannelTime returns the last ping of a channel, or false when it does not exist.
func (s *Set) ChannelTime(name string) (int64, bool) {
	ch, ok := s.channels[name]
	if !ok {
		return 0, false
	}
	return ch.LastPing, true
}

// ChannelTimes maps every channel name to its last ping.
func (s *Set) ChannelTimes() map[string]int64 {
	times := make(map[string]int64, len(s.channels))
	for name, ch := range s.channels {
		times[name] = ch.LastPing
	}
	return times
}

// Names returns the channel names in lexical order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of channels.
func (s *Set) Len() int {
	return len(s.channels)
}

// TimeModified returns the last modification time. The zero time means the
// set has never been modified.
func (s *Set) TimeModified() time.Time {
	return s.timeModified
}

// Revision counts mutations applied to this in-memory value. It is not
// persisted; transactions compare it before and after mutating.
func (s *Set) Revision() uint64 {
	return s.revision
}

// Clone returns a deep copy sharing the clock.
func (s *Set) Clone() *Set {
	clone := &Set{
		channels:     make(map[string]*Channel, len(s.channels)),
		timeModified: s.timeModified,
		revision:     s.revision,
		now:          s.now,
	}
	for name, ch := range s.channels {
		cloned := ch.clone()
		clone.channels[name] = &cloned
	}
	return clone
}
