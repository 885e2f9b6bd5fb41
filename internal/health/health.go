// Package health publishes the live connection state over the standard gRPC
// health protocol, so supervisors can probe the monitor without parsing its
// status JSON.
package health

import (
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Service is the name the live connection is reported under.  The empty
// service name carries the same status.
const Service = "fallhelp.monitor.Live"

type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	log    zerolog.Logger

	stopOnce sync.Once
}

func NewServer(log zerolog.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Set(types.StateDisconnected)
	return s
}

// Set reports SERVING only while connected.
func (s *Server) Set(state types.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == types.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Observe is a state observer; subscribe it to the live manager.
func (s *Server) Observe(tr types.Transition) { s.Set(tr.To) }

// Serve blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
	err := s.grpc.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// Stop flips every service to NOT_SERVING, so watchers see the shutdown,
// and then stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}
