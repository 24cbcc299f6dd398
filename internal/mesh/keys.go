package mesh

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

// Change operations published on the change channels.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// ChangeEvent is the payload published after a successful write or delete.
type ChangeEvent struct {
	Operation string `json:"operation"`
	Key       string `json:"key"`
	Namespace string `json:"namespace"`
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version,omitempty"`
}

// ChangeChannel returns the channel carrying change events for namespace.
// The root namespace publishes on the bare prefix.
func ChangeChannel(namespace string) string {
	if namespace == "" {
		return ChangeChannelPrefix
	}
	return ChangeChannelPrefix + "." + namespace
}

// globMeta are the characters that make a channel pattern match more than itself.
const globMeta = "*?[\\"

// changeNamespace reports which namespace's changes channel carries.
func changeNamespace(channel string) (string, bool) {
	if channel == ChangeChannelPrefix {
		return "", true
	}
	namespace, ok := strings.CutPrefix(channel, ChangeChannelPrefix+".")
	return namespace, ok && namespace != ""
}

// DecodeChangeEvent parses a message received on a change channel.
func DecodeChangeEvent(msg backend.Message) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("invalid change event on %s: %w", msg.Channel, err)
	}
	return event, nil
}

// FullKey builds the backend key for key in namespace.
func (s *Store) FullKey(key, namespace string) string {
	sep := s.config.Separator
	if namespace == "" {
		return KeyPrefix + sep + key
	}
	return KeyPrefix + sep + namespace + sep + key
}

func (s *Store) namespacePrefix(namespace string) string {
	sep := s.config.Separator
	if namespace == "" {
		return KeyPrefix + sep
	}
	return KeyPrefix + sep + namespace + sep
}

// splitKey recovers namespace and key from a backend key. Neither part may
// contain the separator, so "mesh.k" is a root key, "mesh.ns.k" is key k in
// namespace ns, and anything deeper was not written by the store.
func (s *Store) splitKey(fullKey string) (namespace, key string, ok bool) {
	rest, found := strings.CutPrefix(fullKey, KeyPrefix+s.config.Separator)
	if !found || rest == "" {
		return "", "", false
	}
	ns, k, cut := strings.Cut(rest, s.config.Separator)
	if !cut {
		return "", rest, true
	}
	if ns == "" || k == "" || strings.Contains(k, s.config.Separator) {
		return "", "", false
	}
	return ns, k, true
}
