// Package channels holds the in-memory model of a polling connection: a set of
// named channels, each with a last-ping timestamp and a bounded, most-recent-first
// message history.
//
// A Set is loaded at the start of a transaction, mutated by caller-supplied
// logic and then either discarded or persisted depending on whether any
// mutation happened. Sets are not safe for concurrent use; callers serialize
// access.
//
// Two encodings of a Set are provided. MarshalBinary produces the
// authoritative, schema-versioned form that keeps every field. Projection
// produces the JSON document published to polling clients, which keeps channel
// timestamps and messages but drops the set's modification time.
package channels
