package handlers

import (
	"bytes"
	"errors"
	"log"

	"tradingagents/internal/models"
	"tradingagents/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// SessionHandler handles the analysis session API
type SessionHandler struct {
	sessions *services.SessionService
	markdown goldmark.Markdown
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Create starts a new analysis session
// POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req models.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	id, err := h.sessions.Create(req)
	if err != nil {
		var verr *services.ValidationError
		switch {
		case errors.As(err, &verr):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": verr.Error(),
				"field": verr.Field,
			})
		case errors.Is(err, services.ErrDraining):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			log.Printf("❌ [SESSION] Failed to create session: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create session",
			})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(models.CreateSessionResponse{SessionID: id})
}

// Get returns the current snapshot of a session
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	snap, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return sessionLookupError(c, err)
	}
	return c.JSON(snap)
}

// Report returns the assembled final report as markdown, or HTML with ?format=html
// GET /api/sessions/:id/report
func (h *SessionHandler) Report(c *fiber.Ctx) error {
	snap, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return sessionLookupError(c, err)
	}
	if snap.FinalReport == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":       "report not ready",
			"is_complete": snap.IsComplete,
		})
	}

	if c.Query("format") != "html" {
		c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
		return c.SendString(*snap.FinalReport)
	}

	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(*snap.FinalReport), &buf); err != nil {
		log.Printf("❌ [SESSION] Failed to render report for %s: %v", snap.SessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to render report",
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(buf.Bytes())
}

func sessionLookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, services.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": err.Error(),
	})
}
