package runner

import "context"

// Service is a unit of work the Runner manages. Start should return
// once the service is ready; background work belongs in goroutines the
// service owns and Stop tears down.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start initializes the service. Must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services implement to take
// part in the runner's health check.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}
