package channels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire keys of the published document. Clients depend on them.
const (
	KeyTime     = "t"
	KeyMessages = "m"
)

// ErrNotObject reports a projection document that is not a JSON object.
var ErrNotObject = errors.New("projection is not a JSON object")

// ChannelState is one channel as published to clients.
type ChannelState struct {
	T int64             `json:"t"`
	M []json.RawMessage `json:"m,omitempty"`
}

// Snapshot is the client-facing view of a connection: channel name to state.
type Snapshot map[string]ChannelState

// Snapshot projects the set into its client-facing form.
func (s *Set) Snapshot() Snapshot {
	snap := make(Snapshot, len(s.channels))
	for name, ch := range s.channels {
		state := ChannelState{T: ch.LastPing}
		if len(ch.Messages) > 0 {
			cloned := ch.clone()
			state.M = cloned.Messages
		}
		snap[name] = state
	}
	return snap
}

// Projection renders the JSON document published for clients. An empty set
// renders as "{}", never as null or an array.
func Projection(s *Set) ([]byte, error) {
	if s == nil || len(s.channels) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode projection: %w", err)
	}
	return data, nil
}

// ParseSnapshot decodes a published document.
func ParseSnapshot(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("decode projection: %w", err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// ParseProjection rebuilds a Set from a published document. The document does
// not carry the modification time, so the caller supplies one (typically the
// file's mtime).
func ParseProjection(data []byte, modified time.Time, opts ...Option) (*Set, error) {
	snap, err := ParseSnapshot(data)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap, modified, opts...), nil
}

// FromSnapshot rebuilds a Set from its client-facing form.
func FromSnapshot(snap Snapshot, modified time.Time, opts ...Option) *Set {
	s := New(opts...)
	for name, state := range snap {
		ch := &Channel{Name: name, LastPing: state.T}
		if state.M != nil {
			ch.Messages = make([]json.RawMessage, len(state.M))
			copy(ch.Messages, state.M)
		}
		s.channels[name] = ch
	}
	s.timeModified = modified
	return s
}
