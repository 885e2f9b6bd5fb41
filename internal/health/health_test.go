package health_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
	"github.com/fallhelp/monitor/internal/health"
)

func startHealth(t *testing.T) (*health.Server, healthpb.HealthClient) {
	t.Helper()

	lis := bufconn.Listen(1 << 16)
	srv := health.NewServer(zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsConnectionState(t *testing.T) {
	srv, client := startHealth(t)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, health.Service))

	srv.Observe(types.Transition{From: types.StateDisconnected, To: types.StateConnected})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, health.Service))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	srv.Observe(types.Transition{From: types.StateConnected, To: types.StateReconnecting})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, health.Service))
}

func TestHealth_StopIsIdempotent(t *testing.T) {
	srv, _ := startHealth(t)
	srv.Stop()
	srv.Stop()
}
