package main

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const healthService = "bookstore.cart"

// healthServer exposes grpc_health_v1 for orchestration probes.
type healthServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

func newHealthServer(addr string) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)

	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	return &healthServer{srv: srv, health: h, lis: lis}, nil
}

func (h *healthServer) Serve() error { return h.srv.Serve(h.lis) }

func (h *healthServer) Addr() string { return h.lis.Addr().String() }

// Stop reports NOT_SERVING before draining.
func (h *healthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
