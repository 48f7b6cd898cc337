package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cobalt-commerce/api/internal/payments"
	"github.com/cobalt-commerce/api/internal/platform/config"
	"github.com/cobalt-commerce/api/internal/promotions"
	"github.com/cobalt-commerce/api/internal/repositories"
	"github.com/cobalt-commerce/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders     services.OrderService
	Promotions services.PromotionService
	Stock      services.StockService
	System     services.SystemService
}

// Dependencies carries runtime collaborators that cannot be derived from the
// repository registry, such as the event publisher and logging sinks.
type Dependencies struct {
	Events services.OrderEventPublisher
	Build  services.BuildInfo
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and payment infrastructure for runtime use.
type Container struct {
	Config         config.Config
	Repositories   repositories.Registry
	Services       Services
	PaymentMethods *payments.Registry
	Engine         *promotions.Engine
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	engine, err := buildPromotionEngine(logger)
	if err != nil {
		return nil, err
	}

	methods, err := buildPaymentMethods(cfg, logger)
	if err != nil {
		return nil, err
	}

	svc, err := buildServices(cfg, reg, engine, methods, deps, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:         cfg,
		Repositories:   reg,
		Services:       svc,
		PaymentMethods: methods,
		Engine:         engine,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildPromotionEngine(logger func(ctx context.Context, event string, fields map[string]any)) (*promotions.Engine, error) {
	engine, err := promotions.NewEngine(promotions.EngineDeps{
		Registry: promotions.NewRegistry(),
		Logger: func(event string, fields map[string]any) {
			logger(context.Background(), event, fields)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build promotion engine: %w", err)
	}
	return engine, nil
}

func buildPaymentMethods(cfg config.Config, logger func(ctx context.Context, event string, fields map[string]any)) (*payments.Registry, error) {
	registry := payments.NewRegistry()

	if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
		stripeHandler, err := payments.NewStripeHandler(payments.StripeHandlerConfig{
			APIKey: key,
			Logger: logger,
			Clock:  time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe payment handler: %w", err)
		}
		if err := registry.Register(stripeHandler); err != nil {
			return nil, fmt.Errorf("register stripe payment handler: %w", err)
		}
	}

	if cfg.Features.EnableManualPayments {
		manualHandler, err := payments.NewManualHandler(payments.ManualHandlerConfig{
			Clock: time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("build manual payment handler: %w", err)
		}
		if err := registry.Register(manualHandler); err != nil {
			return nil, fmt.Errorf("register manual payment handler: %w", err)
		}
	}

	return registry, nil
}

func buildServices(
	cfg config.Config,
	reg repositories.Registry,
	engine *promotions.Engine,
	methods *payments.Registry,
	deps Dependencies,
	logger func(ctx context.Context, event string, fields map[string]any),
) (Services, error) {
	var svc Services

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          reg.Orders(),
		History:         reg.History(),
		Promotions:      reg.Promotions(),
		PromotionUsage:  reg.PromotionUsage(),
		StockMovements:  reg.StockMovements(),
		Customers:       reg.Customers(),
		Variants:        reg.Variants(),
		Counters:        reg.Counters(),
		UnitOfWork:      reg,
		Engine:          engine,
		PaymentMethods:  methods,
		MaxOrderItems:   cfg.Orders.MaxItems,
		DefaultCurrency: cfg.Orders.DefaultCurrency,
		Clock:           time.Now,
		Events:          deps.Events,
		Logger:          logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if cfg.Features.EnablePromotions {
		promotionSvc, err := services.NewPromotionService(services.PromotionServiceDeps{
			Promotions: reg.Promotions(),
			Operations: promotions.NewRegistry(),
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build promotion service: %w", err)
		}
		svc.Promotions = promotionSvc
	}

	stockSvc, err := services.NewStockService(services.StockServiceDeps{
		Movements: reg.StockMovements(),
		Variants:  reg.Variants(),
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock service: %w", err)
	}
	svc.Stock = stockSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
