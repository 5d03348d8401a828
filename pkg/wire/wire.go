// Package wire defines the JSON message shapes exchanged between syncd and
// its clients. []byte fields marshal as base64 strings.
package wire

import "github.com/driftpad/padsync/pkg/store"

// LogEntry is one append-log record, in watch streams and read responses.
type LogEntry struct {
	Key  string `json:"key"`
	Blob []byte `json:"blob"`
}

// AppendRequest is the body of POST /docs/{doc}/log.
type AppendRequest struct {
	Blob []byte `json:"blob"`
}

// AppendResponse returns the key assigned to an appended record.
type AppendResponse struct {
	Key string `json:"key"`
}

// ReplaceRequest is the body of PUT /docs/{doc}/log: the single entry that
// atomically replaces the whole log.
type ReplaceRequest struct {
	Key  string `json:"key"`
	Blob []byte `json:"blob"`
}

// PresenceWrite is the body of PUT /docs/{doc}/presence/{client}.
type PresenceWrite struct {
	State []byte `json:"state"`
}

// PresenceSnapshot is the full per-document presence map, sent on every
// change over the presence watch stream and returned by reads.
type PresenceSnapshot struct {
	Entries map[string][]byte `json:"entries"`
}

// FeedPage is a feed query response.
type FeedPage struct {
	Items []store.FeedItem `json:"items"`
}

// FeedEvent is one frame of a single-item watch stream; a nil Item signals
// deletion.
type FeedEvent struct {
	Item *store.FeedItem `json:"item"`
}

// GuardFrame is sent by a client on its presence guard socket to cancel
// the disconnect cleanup before closing gracefully.
type GuardFrame struct {
	Disarm bool `json:"disarm"`
}
