package meshrpc

import (
	"encoding/json"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
)

// KeyRequest addresses a single key.
type KeyRequest struct {
	Key       string `json:"key"`
	Namespace string `json:"namespace,omitempty"`
}

// SetRequest writes Value under Key.
type SetRequest struct {
	Key       string          `json:"key"`
	Namespace string          `json:"namespace,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// CompareAndSetRequest swaps Expected for Value. An omitted Expected
// matches an absent key.
type CompareAndSetRequest struct {
	Key       string          `json:"key"`
	Namespace string          `json:"namespace,omitempty"`
	Expected  json.RawMessage `json:"expected,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// GetResponse carries the entry when Found is true.
type GetResponse struct {
	Found bool        `json:"found"`
	Entry *mesh.Entry `json:"entry,omitempty"`
}

// BoolResponse is the result of Set, Delete, Exists, CompareAndSet and Clear.
type BoolResponse struct {
	OK bool `json:"ok"`
}

// VersionResponse is the result of GetVersion.
type VersionResponse struct {
	Version int64 `json:"version"`
}

// SnapshotRequest lists glob patterns relative to the mesh key prefix.
type SnapshotRequest struct {
	Patterns []string `json:"patterns,omitempty"`
}

// SnapshotResponse maps full backend keys to entries.
type SnapshotResponse struct {
	Entries map[string]mesh.Entry `json:"entries"`
}

// ClearRequest names the namespace to clear; empty clears everything.
type ClearRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// PublishRequest publishes Data on Channel.
type PublishRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// PublishResponse is empty.
type PublishResponse struct{}

// WatchRequest opens a stream of messages on channels matching Pattern.
type WatchRequest struct {
	Pattern string `json:"pattern"`
}

// WatchEvent is one message delivered on a Watch stream.
type WatchEvent struct {
	Channel string `json:"channel"`
	Pattern string `json:"pattern,omitempty"`
	Payload []byte `json:"payload"`
}
