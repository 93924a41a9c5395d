package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

// drainingCheck names the synthetic check reported while the server shuts down.
const drainingCheck = "server"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
	Clock  func() time.Time
	Build  BuildInfo
	// Draining reports whether shutdown has begun. Readiness fails from then on so
	// load balancers stop routing new checkouts to this instance.
	Draining func() bool
}

type systemService struct {
	health   repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	draining func() bool
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	draining := deps.Draining
	if draining == nil {
		draining = func() bool { return false }
	}
	return &systemService{
		health:   deps.Health,
		now:      func() time.Time { return now().UTC() },
		build:    build,
		draining: draining,
	}, nil
}

// HealthReport collects dependency probes and stamps them with build metadata. The
// worst check decides the overall status unless the repository already set one.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, fmt.Errorf("system service: collect health: %w", err)
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = s.build.Version
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if s.draining() {
		report.Checks[drainingCheck] = domain.SystemHealthCheck{
			Status:    domain.HealthStatusError,
			Detail:    "draining",
			CheckedAt: now,
		}
		report.Status = domain.HealthStatusError
		return report, nil
	}

	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report, nil
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusDegraded:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
