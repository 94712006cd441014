package polling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"

	"lightpoll/internal/channels"
	"lightpoll/internal/observability/logging"
)

// String payloads sent instead of a connection object. Clients treat any
// string as "not available".
const (
	PayloadNoAccess   = "no access"
	PayloadNoFile     = "no file"
	PayloadReadFailed = "failed to read file"
)

// Payload outcomes reported to the Recorder.
const (
	PayloadOK         = "ok"
	payloadNoAccess   = "no_access"
	payloadNoFile     = "no_file"
	payloadReadFailed = "read_failed"
)

// Payload is what a client needs to start polling one connection.
type Payload struct {
	URL  string          `json:"url"`
	Init json.RawMessage `json:"init"`
}

// Sentinel encodes one of the string payloads.
func Sentinel(message string) json.RawMessage {
	data, _ := json.Marshal(message)
	return data
}

// NoAccessPayload is rendered for identifiers the caller may not see.
func (s *Service) NoAccessPayload() json.RawMessage {
	s.metrics.ObservePayload(payloadNoAccess)
	return Sentinel(PayloadNoAccess)
}

// ConnectionPayload renders {"url": ..., "init": ...} for id. With a file
// store the published file is read as-is; otherwise the projection is
// rendered from the connection store and points at the dynamic endpoint.
// An invalid identifier is answered like an inaccessible one.
func (s *Service) ConnectionPayload(ctx context.Context, id string) json.RawMessage {
	if ValidateIdentifier(id) != nil {
		return s.NoAccessPayload()
	}
	if s.files != nil {
		return s.filePayload(ctx, id)
	}
	return s.storePayload(ctx, id)
}

func (s *Service) filePayload(ctx context.Context, id string) json.RawMessage {
	data, p, err := s.files.ReadPublished(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.metrics.ObservePayload(payloadNoFile)
			return Sentinel(PayloadNoFile)
		}
		logging.WithContext(logging.ContextWithConnectionID(ctx, id), s.logger).
			Warn("read connection file failed", "error", err)
		s.metrics.ObservePayload(payloadReadFailed)
		return Sentinel(PayloadReadFailed)
	}
	if _, err := channels.ParseSnapshot(data); err != nil {
		logging.WithContext(logging.ContextWithConnectionID(ctx, id), s.logger).
			Warn("published connection file is not an object", "error", err)
		s.metrics.ObservePayload(payloadReadFailed)
		return Sentinel(PayloadReadFailed)
	}
	return s.render(Payload{URL: p.URL(s.publicURL), Init: bytes.TrimSpace(data)})
}

func (s *Service) storePayload(ctx context.Context, id string) json.RawMessage {
	set := s.store.Load(ctx, id)
	if set.TimeModified().IsZero() {
		s.metrics.ObservePayload(payloadNoFile)
		return Sentinel(PayloadNoFile)
	}
	data, err := channels.Projection(set)
	if err != nil {
		s.metrics.ObservePayload(payloadReadFailed)
		return Sentinel(PayloadReadFailed)
	}
	return s.render(Payload{URL: s.DynamicURL(id), Init: data})
}

func (s *Service) render(p Payload) json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		s.metrics.ObservePayload(payloadReadFailed)
		return Sentinel(PayloadReadFailed)
	}
	s.metrics.ObservePayload(PayloadOK)
	return data
}

// DynamicURL is the projection endpoint of id used when no files are
// published.
func (s *Service) DynamicURL(id string) string {
	return s.dynamicURL + "/" + url.PathEscape(id)
}

// Projection renders the current client document of id from the store. The
// boolean is false when the connection has never been persisted.
func (s *Service) Projection(ctx context.Context, id string) ([]byte, *channels.Set, bool, error) {
	if err := ValidateIdentifier(id); err != nil {
		return nil, nil, false, err
	}
	set := s.store.Load(ctx, id)
	if set.TimeModified().IsZero() {
		return nil, set, false, nil
	}
	data, err := channels.Projection(set)
	if err != nil {
		return nil, nil, false, err
	}
	return data, set, true, nil
}

// BootstrapPayload renders {"<id>": <ConnectionPayload>, ...} with keys in
// the order given.
func (s *Service) BootstrapPayload(ctx context.Context, ids []string) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(id)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(s.ConnectionPayload(ctx, id))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// RequestedPayload renders the bootstrap payload of the current cycle.
func (s *Service) RequestedPayload(ctx context.Context) json.RawMessage {
	return s.BootstrapPayload(ctx, s.RequestedConnections(ctx))
}
