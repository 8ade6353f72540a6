package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nearbuy/api/internal/payments"
	"github.com/nearbuy/api/internal/platform/config"
	"github.com/nearbuy/api/internal/platform/intents"
	"github.com/nearbuy/api/internal/repositories"
	"github.com/nearbuy/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Discovery services.DiscoveryService
	Payments  services.PaymentService
	Orders    services.OrderService
	Reviews   services.ReviewService
	System    services.SystemService
}

// Deps carries the externally constructed collaborators that the container
// wires into services: the gateway adapter, the intent store, the optional
// event publisher, and the logging hook.
type Deps struct {
	Provider payments.Provider
	Intents  intents.Store
	Events   services.OrderEventPublisher
	Logger   services.Logger

	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// Container wires repositories, services, and supporting infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries and stub providers.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Deps) (Services, error) {
	var svc Services

	discoverySvc, err := services.NewDiscoveryService(services.DiscoveryServiceDeps{
		Vendors:         reg.Vendors(),
		Products:        reg.Products(),
		MaxRadiusMeters: cfg.Discovery.MaxRadiusMeters,
		QueryTimeout:    cfg.Discovery.QueryTimeout,
		Logger:          deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build discovery service: %w", err)
	}
	svc.Discovery = discoverySvc

	if deps.Provider != nil && deps.Intents != nil {
		paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
			Provider:  deps.Provider,
			Intents:   deps.Intents,
			Orders:    reg.Orders(),
			Products:  reg.Products(),
			Events:    deps.Events,
			Currency:  cfg.Gateway.Currency,
			IntentTTL: cfg.Intents.TTL,
			Clock:     time.Now,
			Logger:    deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Events: deps.Events,
		Clock:  time.Now,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	reviewSvc, err := services.NewReviewService(services.ReviewServiceDeps{
		Reviews:    reg.Reviews(),
		Orders:     reg.Orders(),
		Vendors:    reg.Vendors(),
		UnitOfWork: reg,
		Clock:      time.Now,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build review service: %w", err)
	}
	svc.Reviews = reviewSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			Health:      healthRepo,
			Version:     deps.Version,
			CommitSHA:   deps.CommitSHA,
			Environment: deps.Environment,
			StartedAt:   deps.StartedAt,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
