package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	statusAvailable = "available"
	statusDegraded  = "degraded"

	defaultCheckTimeout = 2 * time.Second
)

// DependencyCheck reports the health of one dependency.
type DependencyCheck struct {
	Name string
	// HealthCheck gets a context bounded by Timeout.
	HealthCheck func(ctx context.Context) error
	// Timeout defaults to two seconds.
	Timeout time.Duration
}

// DependencyStatus is the health of a single dependency.
type DependencyStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthWithDependencies reports 200 "available" when every check passes and
// 503 "degraded" otherwise.
//
//	app.Get("/health", http.HealthWithDependencies(
//	    http.DependencyCheck{Name: "postgres", HealthCheck: pg.Ping},
//	))
func HealthWithDependencies(dependencies ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		overallStatus := statusAvailable
		httpStatus := fiber.StatusOK

		depStatuses := make(map[string]*DependencyStatus, len(dependencies))

		for _, dep := range dependencies {
			status := runCheck(c.UserContext(), dep)
			if !status.Healthy {
				overallStatus = statusDegraded
				httpStatus = fiber.StatusServiceUnavailable
			}

			depStatuses[dep.Name] = status
		}

		return c.Status(httpStatus).JSON(fiber.Map{
			"status":       overallStatus,
			"dependencies": depStatuses,
		})
	}
}

func runCheck(ctx context.Context, dep DependencyCheck) *DependencyStatus {
	if dep.HealthCheck == nil {
		return &DependencyStatus{Healthy: true}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := dep.HealthCheck(ctx); err != nil {
		return &DependencyStatus{Healthy: false, Error: err.Error()}
	}

	return &DependencyStatus{Healthy: true}
}
