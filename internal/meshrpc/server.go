// Package meshrpc exposes the Mesh Store to other processes over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc and carries
// JSON messages, so no generated code is involved. Callers authenticate with
// a bearer token issued by an access.TokenAuthority; the verified principal
// is attached to the request context and enforced by the store's Access
// Controller.
package meshrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

const (
	authorizationHeader = "authorization"
	subscriptionHeader  = "subscription-id"
	watchBuffer         = 64
)

var (
	// ErrServerClosed is returned when starting a closed server
	ErrServerClosed = errors.New("mesh rpc server is closed")
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTokenAuthority verifies bearer tokens on every call. Calls without a
// token proceed anonymously and are judged by the Access Controller's policy.
func WithTokenAuthority(a *access.TokenAuthority) ServerOption {
	return func(s *Server) { s.tokens = a }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.With().Str("component", "meshrpc").Logger() }
}

// Server serves the Mesh service for a Store.
type Server struct {
	mu     sync.Mutex
	config *Config
	store  *mesh.Store
	tokens *access.TokenAuthority
	logger zerolog.Logger

	grpcServer *grpc.Server
	listener   net.Listener
	started    bool
	closed     bool
}

// NewServer creates a Server for store. Call Start to begin listening.
func NewServer(store *mesh.Store, config *Config, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	s := &Server{
		config: &configCopy,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(configCopy.MaxMessageSize),
		grpc.MaxSendMsgSize(configCopy.MaxMessageSize),
		grpc.ChainUnaryInterceptor(s.unaryAuth, s.unaryLog),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	s.grpcServer.RegisterService(&serviceDesc, &service{store: store, logger: s.logger})
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil // Already started, idempotent
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = lis
	s.started = true

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("mesh rpc server stopped")
		}
	}()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("mesh rpc server listening")
	return nil
}

// GetListeningAddress returns the bound address, or "" before Start.
func (s *Server) GetListeningAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight calls, cutting them off after the shutdown timeout
// or when ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil // Not started, idempotent
	}
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	return nil
}

// Close stops the server immediately and marks it permanently closed.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed, idempotent
	}
	s.closed = true
	s.started = false
	s.grpcServer.Stop()
	return nil
}

func (s *Server) authenticate(ctx context.Context) (context.Context, error) {
	if s.tokens == nil {
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return ctx, nil
	}

	principal, err := s.tokens.Verify(values[0])
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejected bearer token")
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return access.WithPrincipal(ctx, principal), nil
}

func (s *Server) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) unaryLog(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	event.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("rpc completed")
	return resp, err
}

func (s *Server) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// service adapts a Store to MeshServer.
type service struct {
	store  *mesh.Store
	logger zerolog.Logger
}

func (s *service) Get(ctx context.Context, req *KeyRequest) (*GetResponse, error) {
	entry, found, err := s.store.Get(ctx, req.Key, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return &GetResponse{}, nil
	}
	return &GetResponse{Found: true, Entry: &entry}, nil
}

func (s *service) Set(ctx context.Context, req *SetRequest) (*BoolResponse, error) {
	ok, err := s.store.Set(ctx, req.Key, req.Value, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *service) Delete(ctx context.Context, req *KeyRequest) (*BoolResponse, error) {
	ok, err := s.store.Delete(ctx, req.Key, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *service) Exists(ctx context.Context, req *KeyRequest) (*BoolResponse, error) {
	ok, err := s.store.Exists(ctx, req.Key, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *service) CompareAndSet(ctx context.Context, req *CompareAndSetRequest) (*BoolResponse, error) {
	var expected any
	if len(req.Expected) > 0 {
		expected = req.Expected
	}
	ok, err := s.store.CompareAndSet(ctx, req.Key, expected, req.Value, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *service) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	entries, err := s.store.Snapshot(ctx, req.Patterns...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Entries: entries}, nil
}

func (s *service) GetVersion(ctx context.Context, req *KeyRequest) (*VersionResponse, error) {
	return &VersionResponse{Version: s.store.GetVersion(ctx, req.Key, req.Namespace)}, nil
}

func (s *service) Clear(ctx context.Context, req *ClearRequest) (*BoolResponse, error) {
	ok, err := s.store.Clear(ctx, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *service) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if err := s.store.Publish(ctx, req.Channel, req.Data); err != nil {
		return nil, toStatus(err)
	}
	return &PublishResponse{}, nil
}

// Watch subscribes to req.Pattern and forwards messages until the client
// goes away. The subscription ID is sent in the response header once the
// subscription is live. Change events of namespaces the caller cannot read
// are never forwarded.
func (s *service) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	events := make(chan backend.Message, watchBuffer)
	done := make(chan struct{})

	id, err := s.store.Subscribe(ctx, req.Pattern, func(msg backend.Message) {
		select {
		case events <- msg:
		case <-done:
		}
	})
	if err != nil {
		return toStatus(err)
	}
	defer func() {
		close(done)
		if err := s.store.Unsubscribe(id); err != nil {
			s.logger.Debug().Err(err).Str("subscription_id", id).Msg("watch unsubscribe failed")
		}
	}()

	if err := stream.SendHeader(metadata.Pairs(subscriptionHeader, id)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			if err := stream.SendMsg(&WatchEvent{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: msg.Payload,
			}); err != nil {
				return err
			}
		}
	}
}

// Verify that service implements the MeshServer interface at compile time
var _ MeshServer = (*service)(nil)
