package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/finrag/backend/pkg/config"
	"github.com/finrag/backend/pkg/logger"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]Check
	config  *config.Store
	timeout time.Duration
	logger  *zap.Logger
}

func NewHealthHandler(store *config.Store, log *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  map[string]Check{},
		config:  store,
		timeout: 2 * time.Second,
		logger:  logger.OrDefault(log).Named("health"),
	}
}

// Register adds a readiness probe.
func (h *HealthHandler) Register(name string, check Check) {
	h.checks[name] = check
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	snap := h.config.Current()
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"time":           time.Now().Unix(),
		"config_version": snap.Version,
	})
}

// Ready runs every probe and reports 503 if any fails.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := fiber.StatusOK
	results := make(fiber.Map, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != fiber.StatusOK {
		state = "not_ready"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"checks": results,
	})
}
