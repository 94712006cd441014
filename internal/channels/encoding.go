package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodingVersion is written into every authoritative record. Decoding
// rejects any other version.
const EncodingVersion = 1

// ErrUnsupportedVersion reports a record written with an unknown schema version.
var ErrUnsupportedVersion = errors.New("unsupported channel set encoding version")

// Field numbers of the authoritative record. Do not renumber.
const (
	fieldSetVersion  protowire.Number = 1
	fieldSetModified protowire.Number = 2
	fieldSetChannel  protowire.Number = 3

	fieldChannelName       protowire.Number = 1
	fieldChannelLastPing   protowire.Number = 2
	fieldChannelMessage    protowire.Number = 3
	fieldChannelHasHistory protowire.Number = 4
)

// MarshalBinary encodes every field of the set, including the modification
// time and the distinction between an empty and an absent history.
func (s *Set) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldSetVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, EncodingVersion)
	if !s.timeModified.IsZero() {
		b = protowire.AppendTag(b, fieldSetModified, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.timeModified.UnixNano()))
	}

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b = protowire.AppendTag(b, fieldSetChannel, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalChannel(s.channels[name]))
	}
	return b, nil
}

func marshalChannel(ch *Channel) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChannelName, protowire.BytesType)
	b = protowire.AppendString(b, ch.Name)
	b = protowire.AppendTag(b, fieldChannelLastPing, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(ch.LastPing))
	for _, msg := range ch.Messages {
		b = protowire.AppendTag(b, fieldChannelMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if ch.Messages != nil {
		b = protowire.AppendTag(b, fieldChannelHasHistory, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// UnmarshalBinary replaces the contents of s with the decoded record. The
// clock and revision counter of s are kept. Unknown fields are skipped.
func (s *Set) UnmarshalBinary(data []byte) error {
	decoded := make(map[string]*Channel)
	var (
		version  uint64
		modified time.Time
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode channel set: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldSetVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("decode channel set version: %w", protowire.ParseError(n))
			}
			version = v
			data = data[n:]
		case num == fieldSetModified && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("decode channel set modified: %w", protowire.ParseError(n))
			}
			modified = time.Unix(0, protowire.DecodeZigZag(v))
			data = data[n:]
		case num == fieldSetChannel && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("decode channel: %w", protowire.ParseError(n))
			}
			ch, err := unmarshalChannel(raw)
			if err != nil {
				return err
			}
			decoded[ch.Name] = ch
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if version != EncodingVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	s.channels = decoded
	s.timeModified = modified
	return nil
}

func unmarshalChannel(data []byte) (*Channel, error) {
	ch := &Channel{}
	hasHistory := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode channel: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldChannelName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decode channel name: %w", protowire.ParseError(n))
			}
			ch.Name = string(v)
			data = data[n:]
		case num == fieldChannelLastPing && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode channel ping: %w", protowire.ParseError(n))
			}
			ch.LastPing = protowire.DecodeZigZag(v)
			data = data[n:]
		case num == fieldChannelMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decode channel message: %w", protowire.ParseError(n))
			}
			if !json.Valid(v) {
				return nil, fmt.Errorf("decode channel message: %w", ErrInvalidMessage)
			}
			ch.Messages = append(ch.Messages, append(json.RawMessage(nil), v...))
			data = data[n:]
		case num == fieldChannelHasHistory && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode channel history flag: %w", protowire.ParseError(n))
			}
			hasHistory = protowire.DecodeBool(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip channel field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if hasHistory && ch.Messages == nil {
		ch.Messages = []json.RawMessage{}
	}
	return ch, nil
}

// Decode returns the set held in an authoritative record.
func Decode(data []byte, opts ...Option) (*Set, error) {
	s := New(opts...)
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}
