package meshrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/codec"
)

// tokenCredentials attaches a bearer token to every call.
type tokenCredentials struct {
	token string
}

func (c tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{authorizationHeader: "Bearer " + c.token}, nil
}

func (c tokenCredentials) RequireTransportSecurity() bool {
	return false
}

var _ credentials.PerRPCCredentials = tokenCredentials{}

type clientOptions struct {
	token       string
	dialOptions []grpc.DialOption
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithToken authenticates every call with a bearer token.
func WithToken(token string) ClientOption {
	return func(o *clientOptions) { o.token = strings.TrimPrefix(token, "Bearer ") }
}

// WithDialOptions appends gRPC dial options, e.g. transport credentials.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

// Client is a remote Mesh Store. Its methods mirror mesh.Store and return
// *mesh.Error values matching the same sentinels.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the server at target. The connection is
// established lazily on the first call.
func NewClient(target string, opts ...ClientOption) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	dial := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	if o.token != "" {
		dial = append(dial, grpc.WithPerRPCCredentials(tokenCredentials{token: o.token}))
	}
	dial = append(dial, o.dialOptions...)

	conn, err := grpc.NewClient(target, dial...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Get returns the entry for key in namespace and whether it exists.
func (c *Client) Get(ctx context.Context, key, namespace string) (mesh.Entry, bool, error) {
	var resp GetResponse
	if err := c.conn.Invoke(ctx, fullMethod("Get"), &KeyRequest{Key: key, Namespace: namespace}, &resp); err != nil {
		return mesh.Entry{}, false, fromStatus("get", key, namespace, err)
	}
	if !resp.Found || resp.Entry == nil {
		return mesh.Entry{}, false, nil
	}
	return *resp.Entry, true, nil
}

// Set writes value under key in namespace.
func (c *Client) Set(ctx context.Context, key string, value any, namespace string) (bool, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return false, &mesh.Error{Kind: mesh.ErrInvalid, Op: "set", Key: key, Namespace: namespace, Err: err}
	}

	var resp BoolResponse
	req := &SetRequest{Key: key, Namespace: namespace, Value: data}
	if err := c.conn.Invoke(ctx, fullMethod("Set"), req, &resp); err != nil {
		return false, fromStatus("set", key, namespace, err)
	}
	return resp.OK, nil
}

// Delete removes key from namespace and reports whether it existed.
func (c *Client) Delete(ctx context.Context, key, namespace string) (bool, error) {
	return c.keyBool(ctx, "Delete", "delete", key, namespace)
}

// Exists reports whether key is present in namespace.
func (c *Client) Exists(ctx context.Context, key, namespace string) (bool, error) {
	return c.keyBool(ctx, "Exists", "exists", key, namespace)
}

func (c *Client) keyBool(ctx context.Context, method, op, key, namespace string) (bool, error) {
	var resp BoolResponse
	if err := c.conn.Invoke(ctx, fullMethod(method), &KeyRequest{Key: key, Namespace: namespace}, &resp); err != nil {
		return false, fromStatus(op, key, namespace, err)
	}
	return resp.OK, nil
}

// CompareAndSet replaces the value of key with value if it currently equals
// expected. A nil expected matches an absent key.
func (c *Client) CompareAndSet(ctx context.Context, key string, expected, value any, namespace string) (bool, error) {
	req := &CompareAndSetRequest{Key: key, Namespace: namespace}
	var err error
	if expected != nil {
		if req.Expected, err = codec.Marshal(expected); err != nil {
			return false, &mesh.Error{Kind: mesh.ErrInvalid, Op: "compare_and_set", Key: key, Namespace: namespace, Err: err}
		}
	}
	if req.Value, err = codec.Marshal(value); err != nil {
		return false, &mesh.Error{Kind: mesh.ErrInvalid, Op: "compare_and_set", Key: key, Namespace: namespace, Err: err}
	}

	var resp BoolResponse
	if err := c.conn.Invoke(ctx, fullMethod("CompareAndSet"), req, &resp); err != nil {
		return false, fromStatus("compare_and_set", key, namespace, err)
	}
	return resp.OK, nil
}

// Snapshot reads every entry matching patterns, keyed by full backend key.
func (c *Client) Snapshot(ctx context.Context, patterns ...string) (map[string]mesh.Entry, error) {
	var resp SnapshotResponse
	if err := c.conn.Invoke(ctx, fullMethod("Snapshot"), &SnapshotRequest{Patterns: patterns}, &resp); err != nil {
		return nil, fromStatus("snapshot", "", "", err)
	}
	if resp.Entries == nil {
		resp.Entries = make(map[string]mesh.Entry)
	}
	return resp.Entries, nil
}

// GetVersion returns the stored version of key, or 0 on any failure.
func (c *Client) GetVersion(ctx context.Context, key, namespace string) int64 {
	var resp VersionResponse
	if err := c.conn.Invoke(ctx, fullMethod("GetVersion"), &KeyRequest{Key: key, Namespace: namespace}, &resp); err != nil {
		return 0
	}
	return resp.Version
}

// Clear removes every key of namespace; "" clears the whole database.
func (c *Client) Clear(ctx context.Context, namespace string) (bool, error) {
	var resp BoolResponse
	if err := c.conn.Invoke(ctx, fullMethod("Clear"), &ClearRequest{Namespace: namespace}, &resp); err != nil {
		return false, fromStatus("clear", "", namespace, err)
	}
	return resp.OK, nil
}

// Publish JSON-encodes data and publishes it on channel.
func (c *Client) Publish(ctx context.Context, channel string, data any) error {
	payload, err := codec.Marshal(data)
	if err != nil {
		return &mesh.Error{Kind: mesh.ErrPublish, Op: "publish", Key: channel, Err: err}
	}
	var resp PublishResponse
	if err := c.conn.Invoke(ctx, fullMethod("Publish"), &PublishRequest{Channel: channel, Data: payload}, &resp); err != nil {
		return fromStatus("publish", channel, "", err)
	}
	return nil
}

// Watch opens a stream of messages on channels matching pattern. It returns
// once the server has registered the subscription. Cancel ctx or call
// Close on the Watcher to end it.
func (c *Client) Watch(ctx context.Context, pattern string) (*Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		cancel()
		return nil, fromStatus("subscribe", pattern, "", err)
	}
	if err := stream.SendMsg(&WatchRequest{Pattern: pattern}); err != nil {
		cancel()
		return nil, fromStatus("subscribe", pattern, "", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus("subscribe", pattern, "", err)
	}

	header, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fromStatus("subscribe", pattern, "", err)
	}
	ids := header.Get(subscriptionHeader)
	if len(ids) == 0 {
		// The server ended the stream without subscribing; surface its status
		err := stream.RecvMsg(&WatchEvent{})
		cancel()
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.New("watch stream closed before subscribing")
		}
		return nil, fromStatus("subscribe", pattern, "", err)
	}

	return &Watcher{id: ids[0], stream: stream, cancel: cancel}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Watcher receives messages from a Watch stream.
type Watcher struct {
	id     string
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// ID returns the server-side subscription ID.
func (w *Watcher) ID() string {
	return w.id
}

// Recv blocks for the next message. It returns io.EOF after the stream ends.
func (w *Watcher) Recv() (backend.Message, error) {
	var event WatchEvent
	if err := w.stream.RecvMsg(&event); err != nil {
		if errors.Is(err, io.EOF) {
			return backend.Message{}, io.EOF
		}
		return backend.Message{}, fromStatus("subscribe", w.id, "", err)
	}
	return backend.Message{Channel: event.Channel, Pattern: event.Pattern, Payload: event.Payload}, nil
}

// Close ends the stream.
func (w *Watcher) Close() error {
	w.cancel()
	return nil
}
