package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/breaker"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/meshnode"
)

// TestNewServer_Validation tests server construction errors
func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(nil, Config{Address: ":0"}); err == nil {
		t.Error("Expected error for nil node")
	}

	setup := NewTestServerSetup(t)
	if _, err := NewServer(setup.Node, Config{}); err == nil {
		t.Error("Expected error for empty address")
	}
}

// TestHealth tests the health endpoint in healthy and degraded states
func TestHealth(t *testing.T) {
	setup := NewTestServerSetup(t)

	rec := setup.Do(http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var health HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health.NodeID != "test-node" || !health.Healthy {
		t.Errorf("Expected healthy test-node, got %+v", health)
	}

	if err := setup.Node.Breaker().ForceOpen(context.Background(), mesh.DefaultBreakerServiceID); err != nil {
		t.Fatalf("Failed to open circuit: %v", err)
	}
	rec = setup.Do(http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with open circuit, got %d", rec.Code)
	}
}

// TestAuthRequired tests that status endpoints require a token
func TestAuthRequired(t *testing.T) {
	setup := NewTestServerSetup(t)

	if rec := setup.Do(http.MethodGet, "/api/v1/stats", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without token, got %d", rec.Code)
	}
	if rec := setup.Do(http.MethodGet, "/api/v1/stats", "not-a-token", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with invalid token, got %d", rec.Code)
	}

	token := setup.GenerateTestToken(t, "reader", false)
	rec := setup.Do(http.MethodGet, "/api/v1/stats", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = setup.Do(http.MethodGet, "/api/v1/safety", token, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for safety status, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"within_limits":true`) {
		t.Errorf("Expected within_limits in safety status, got %s", rec.Body.String())
	}
}

// TestAdminRequired tests that admin endpoints reject non-admin principals
func TestAdminRequired(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "reader", false)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/admin/subscriptions"},
		{http.MethodPost, "/api/v1/admin/breakers/payments/open"},
		{http.MethodPost, "/api/v1/admin/safety/brake"},
		{http.MethodPost, "/api/v1/auth/token"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			if rec := setup.Do(p.method, p.path, "", ""); rec.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401 without token, got %d", rec.Code)
			}
			if rec := setup.Do(p.method, p.path, token, ""); rec.Code != http.StatusForbidden {
				t.Errorf("Expected status 403 for non-admin, got %d", rec.Code)
			}
		})
	}
}

// TestAdminDisabledWithoutTokens tests that admin endpoints stay closed when
// token authentication is off
func TestAdminDisabledWithoutTokens(t *testing.T) {
	node, err := meshnode.NewNode(context.Background(), meshnode.NewConfig("open-node"))
	if err != nil {
		t.Fatalf("Failed to create mesh node: %v", err)
	}
	defer node.Close()

	server, err := NewServer(node, Config{Address: ":0"})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	setup := &TestServerSetup{Node: node, Server: server}

	if rec := setup.Do(http.MethodGet, "/api/v1/stats", "", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected open status endpoint, got %d", rec.Code)
	}
	if rec := setup.Do(http.MethodPost, "/api/v1/admin/safety/brake", "", ""); rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for admin endpoint, got %d", rec.Code)
	}
}

// TestBreakerEndpoints tests forcing a circuit and reading its state
func TestBreakerEndpoints(t *testing.T) {
	setup := NewTestServerSetup(t)
	admin := setup.GenerateTestToken(t, "ops", true)

	rec := setup.Do(http.MethodPost, "/api/v1/admin/breakers/payments/open", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var action BreakerActionResponse
	if err := json.NewDecoder(rec.Body).Decode(&action); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if action.ServiceID != "payments" || action.Status != string(breaker.StatusOpen) {
		t.Errorf("Expected payments open, got %+v", action)
	}

	rec = setup.Do(http.MethodGet, "/api/v1/breakers/payments", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var stats breaker.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Status != breaker.StatusOpen {
		t.Errorf("Expected open circuit, got %s", stats.Status)
	}

	rec = setup.Do(http.MethodPost, "/api/v1/admin/breakers/payments/close", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !setup.Node.Breaker().IsAvailable(context.Background(), "payments") {
		t.Error("Expected circuit to be closed")
	}

	if rec := setup.Do(http.MethodPost, "/api/v1/admin/breakers/payments/reset", admin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown action, got %d", rec.Code)
	}
	if rec := setup.Do(http.MethodPost, "/api/v1/admin/breakers/payments", admin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without action, got %d", rec.Code)
	}
	if rec := setup.Do(http.MethodGet, "/api/v1/admin/breakers/payments/open", admin, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for GET, got %d", rec.Code)
	}
}

// TestEmergencyBrake tests releasing every tracked unit
func TestEmergencyBrake(t *testing.T) {
	setup := NewTestServerSetup(t)
	admin := setup.GenerateTestToken(t, "ops", true)
	ctx := context.Background()

	if err := setup.Node.Safety().CheckExecutionStart(ctx, "unit-1"); err != nil {
		t.Fatalf("Failed to start unit: %v", err)
	}

	rec := setup.Do(http.MethodPost, "/api/v1/admin/safety/brake", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var brake BrakeResponse
	if err := json.NewDecoder(rec.Body).Decode(&brake); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !brake.Engaged || brake.ActiveUnits != 0 {
		t.Errorf("Expected engaged brake with no units, got %+v", brake)
	}
}

// TestIssueToken tests token issuance with namespace grants
func TestIssueToken(t *testing.T) {
	setup := NewTestServerSetup(t)
	admin := setup.GenerateTestToken(t, "ops", true)

	rec := setup.Do(http.MethodPost, "/api/v1/auth/token", admin,
		`{"principalId":"worker","grants":{"jobs":"rw"},"ttlSeconds":60}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	principal, err := setup.Node.Tokens().Verify(resp.Token)
	if err != nil {
		t.Fatalf("Expected issued token to verify, got %v", err)
	}
	if principal.ID != "worker" || principal.Admin {
		t.Errorf("Expected non-admin worker, got %+v", principal)
	}
	if !principal.Allows("jobs", access.Read|access.Write) {
		t.Error("Expected read/write grant on jobs")
	}
	if principal.Allows("jobs", access.Delete) {
		t.Error("Expected no delete grant on jobs")
	}

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing principal", `{"grants":{"jobs":"r"}}`},
		{"invalid grant", `{"principalId":"w","grants":{"jobs":"rx"}}`},
		{"negative ttl", `{"principalId":"w","ttlSeconds":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := setup.Do(http.MethodPost, "/api/v1/auth/token", admin, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
		})
	}
}

// TestSubscriptionsAndMetrics tests the subscription listing and the
// Prometheus endpoint
func TestSubscriptionsAndMetrics(t *testing.T) {
	setup := NewTestServerSetup(t)
	admin := setup.GenerateTestToken(t, "ops", true)
	ctx := access.WithPrincipal(context.Background(), &access.Principal{ID: "ops", Admin: true})

	id, err := setup.Node.Store().SubscribeChanges(ctx, "jobs", func(mesh.ChangeEvent) {})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if _, err := setup.Node.Store().Set(ctx, "k", "v", "jobs"); err != nil {
		t.Fatalf("Failed to set value: %v", err)
	}

	rec := setup.Do(http.MethodGet, "/api/v1/admin/subscriptions", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var subs SubscriptionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&subs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(subs.Subscriptions) != 1 || subs.Subscriptions[0].ID != id {
		t.Errorf("Expected subscription %s, got %+v", id, subs.Subscriptions)
	}

	rec = setup.Do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "semanticmesh_mesh_operations_total") {
		t.Error("Expected mesh operation counter in metrics output")
	}
}

// TestRootAndNotFound tests the API info and unknown paths
func TestRootAndNotFound(t *testing.T) {
	setup := NewTestServerSetup(t)

	rec := setup.Do(http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test-node") {
		t.Errorf("Expected node ID in API info, got %s", rec.Body.String())
	}

	if rec := setup.Do(http.MethodGet, "/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
	if rec := setup.Do(http.MethodOptions, "/api/v1/stats", "", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for preflight, got %d", rec.Code)
	}
}
