package handlers

import (
	"context"
	"time"

	"tradingagents/internal/jobs"
	"tradingagents/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	sessions  *services.SessionService
	redis     *services.RedisService      // nil when REDIS_URL is unset
	providers *services.ProviderService   // nil when running simulated
	llmHealth *jobs.ProviderHealthChecker // nil when no provider is configured
	scheduler *jobs.JobScheduler          // optional
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(sessions *services.SessionService, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{sessions: sessions, redis: redis}
}

// SetProviderHealth attaches the LLM provider and its periodic health check
func (h *HealthHandler) SetProviderHealth(providers *services.ProviderService, checker *jobs.ProviderHealthChecker) {
	h.providers = providers
	h.llmHealth = checker
}

// SetScheduler attaches the job scheduler so its jobs show up in the report
func (h *HealthHandler) SetScheduler(scheduler *jobs.JobScheduler) {
	h.scheduler = scheduler
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":         "healthy",
		"sessions":       h.sessions.Stats(),
		"active_runners": h.sessions.ActiveRunners(),
		"redis":          h.redisStatus(c.UserContext()),
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if h.providers != nil {
		llm := fiber.Map{"configured": h.providers.Available()}
		if p, err := h.providers.Active(); err == nil {
			llm["provider"] = p.Name
			llm["quick_think_model"] = p.QuickThinkModel
			llm["deep_think_model"] = p.DeepThinkModel
		}
		if h.llmHealth != nil {
			llm["check"] = h.llmHealth.Status()
		}
		resp["llm"] = llm
	}
	if h.scheduler != nil {
		resp["jobs"] = h.scheduler.GetStatus()
	}
	return c.JSON(resp)
}

func (h *HealthHandler) redisStatus(ctx context.Context) string {
	if h.redis == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}
