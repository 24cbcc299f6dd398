package httpapi_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/httpclient"
)

func TestHTTPClientAgainstServer(t *testing.T) {
	setup := httpapi.NewTestServerSetup(t)
	ts := httptest.NewServer(setup.Server.Handler())
	defer ts.Close()

	client, err := httpclient.NewClient(httpclient.Config{
		ServerURL: ts.URL,
		Token:     setup.GenerateTestToken(t, "operator", true),
	})
	require.NoError(t, err)
	ctx := context.Background()

	health, err := client.GetHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "test-node", health.NodeID)

	_, err = setup.Node.Store().Set(ctx, "k", "v", "jobs")
	require.NoError(t, err)
	stats, err := client.GetStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalOps, int64(1))

	action, err := client.AdminForceBreaker(ctx, mesh.DefaultBreakerServiceID, "open")
	require.NoError(t, err)
	assert.Equal(t, "open", action.Status)

	health, err = client.GetHealth(ctx)
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.True(t, health.BackendCircuitOpen)

	_, err = client.AdminForceBreaker(ctx, mesh.DefaultBreakerServiceID, "close")
	require.NoError(t, err)
	breakerStats, err := client.GetBreaker(ctx, mesh.DefaultBreakerServiceID)
	require.NoError(t, err)
	assert.Equal(t, "closed", breakerStats.Status)

	issued, err := client.IssueToken(ctx, httpclient.TokenRequest{
		PrincipalID: "worker",
		Grants:      map[string]string{"jobs": "rw"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)

	client.SetToken(issued.Token)
	_, err = client.AdminEmergencyBrake(ctx)
	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.StatusCode)
}
