package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/Avnish-oP/veracious-sub001/internal/domain"
	"github.com/Avnish-oP/veracious-sub001/internal/repositories"
)

const (
	gatewayCheckPrefix = "gateway."
	breakerClosed      = "closed"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// GatewayStateReporter exposes the circuit state of each payment provider (payments.Manager).
type GatewayStateReporter interface {
	BreakerStates() map[string]string
}

// SystemServiceDeps bundles collaborators required to construct a system service. Gateways is
// optional.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Gateways         GatewayStateReporter
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	dependencies repositories.HealthRepository
	gateways     GatewayStateReporter
	now          func() time.Time
	build        BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		dependencies: deps.HealthRepository,
		gateways:     deps.Gateways,
		now:          func() time.Time { return clock().UTC() },
		build:        build,
	}, nil
}

// HealthReport probes storage dependencies, adds the payment gateway circuit states and stamps build
// metadata. Gateway checks do not change the overall status.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.dependencies.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = worstStatus(report.Checks)
	}
	s.addGatewayChecks(report.Checks, now)

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if strings.TrimSpace(report.Version) == "" {
		report.Version = s.build.Version
	}
	if strings.TrimSpace(report.CommitSHA) == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if strings.TrimSpace(report.Environment) == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	return report, nil
}

func (s *systemService) addGatewayChecks(checks map[string]domain.SystemHealthCheck, now time.Time) {
	if s.gateways == nil {
		return
	}
	states := s.gateways.BreakerStates()
	providers := make([]string, 0, len(states))
	for provider := range states {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	for _, provider := range providers {
		state := states[provider]
		check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "circuit " + state, CheckedAt: now}
		if state != breakerClosed {
			check.Status = domain.HealthStatusDegraded
		}
		checks[gatewayCheckPrefix+provider] = check
	}
}

// worstStatus folds check statuses into error > degraded > ok.
func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
