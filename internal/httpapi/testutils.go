package httpapi

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node     *meshnode.Node
	Server   *Server
	Registry *prometheus.Registry
}

// NewTestServerSetup creates a started node with token authentication and an
// HTTP server in front of it
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	registry := prometheus.NewRegistry()
	config := meshnode.NewConfig("test-node").WithTokens("test-secret-key", "semanticmesh")
	node, err := meshnode.NewNode(context.Background(), config, meshnode.WithRegisterer(registry))
	if err != nil {
		t.Fatalf("Failed to create mesh node: %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start mesh node: %v", err)
	}

	server, err := NewServer(node, Config{Address: ":0"}, WithGatherer(registry))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	return &TestServerSetup{
		Node:     node,
		Server:   server,
		Registry: registry,
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, principalID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Node.Tokens().Issue(&access.Principal{ID: principalID, Admin: isAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

// Do sends a request through the server's handler
func (setup *TestServerSetup) Do(method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rec, req)
	return rec
}
