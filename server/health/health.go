// Package health exposes the gRPC health checking protocol for a topicd
// server.
package health

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName reports whether the server is up and serving metadata.
	ServiceName = "topicd.Server"

	// ControllerServiceName reports SERVING only on the active controller.
	ControllerServiceName = "topicd.Controller"
)

// Checker tracks serving status for the server and controller services.
type Checker struct {
	server *health.Server
}

// NewChecker returns a Checker with both services NOT_SERVING.
func NewChecker() *Checker {
	c := &Checker{server: health.NewServer()}
	c.server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	c.server.SetServingStatus(ControllerServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return c
}

// Register installs the health service on srv.
func (c *Checker) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, c.server)
}

func (c *Checker) SetServing() {
	c.server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
}

func (c *Checker) SetNotServing() {
	c.server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// SetController updates the controller service status.
func (c *Checker) SetController(active bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if active {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	c.server.SetServingStatus(ControllerServiceName, status)
}

// Shutdown sets every service NOT_SERVING and ignores later updates.
func (c *Checker) Shutdown() {
	c.server.Shutdown()
}
