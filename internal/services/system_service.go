package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/nearbuy/api/internal/domain"
	"github.com/nearbuy/api/internal/repositories"
)

// SystemServiceDeps bundles collaborators required to construct a SystemService.
type SystemServiceDeps struct {
	Health      repositories.HealthRepository
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
	Clock       func() time.Time
}

type systemService struct {
	health      repositories.HealthRepository
	version     string
	commitSHA   string
	environment string
	startedAt   time.Time
	clock       func() time.Time
}

// NewSystemService wires dependencies into a concrete SystemService implementation.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	startedAt := deps.StartedAt
	if startedAt.IsZero() {
		startedAt = clock()
	}

	return &systemService{
		health:      deps.Health,
		version:     deps.Version,
		commitSHA:   deps.CommitSHA,
		environment: deps.Environment,
		startedAt:   startedAt,
		clock:       clock,
	}, nil
}

func (s *systemService) Health(ctx context.Context) (domain.SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}

	report.Version = s.version
	report.CommitSHA = s.commitSHA
	report.Environment = s.environment
	report.Uptime = s.clock().Sub(s.startedAt)
	return report, nil
}
