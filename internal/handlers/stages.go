package handlers

import (
	"tradingagents/internal/execution"

	"github.com/gofiber/fiber/v2"
)

// ListStages returns the pipeline's teams and stages in execution order
// GET /api/stages
func ListStages(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"teams":    execution.Teams(),
		"optional": execution.OptionalStages(),
	})
}
