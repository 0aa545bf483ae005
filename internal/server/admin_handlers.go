package server

import (
	"log/slog"

	"safeline/internal/models"

	"github.com/gofiber/fiber/v2"
)

type liftHoldRequest struct {
	ResetStrikes bool `json:"reset_strikes"`
}

// LiftSafetyHold clears a user's safety hold, optionally resetting their strikes.
func (s *Server) LiftSafetyHold(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID, err := s.parseID(c, "userId")
	if err != nil {
		return nil
	}
	var req liftHoldRequest
	if err := bindJSON(c, &req); err != nil {
		return nil
	}

	if err := s.components.SafetyRepo.LiftSafetyHold(ctx, userID, req.ResetStrikes); err != nil {
		return s.respondError(c, err)
	}

	subject, _ := c.Locals("serviceSubject").(string)
	event := &models.SafetyEvent{
		UserID:   &userID,
		Action:   models.ActionSafetyHoldLifted,
		Metadata: map[string]any{"reset_strikes": req.ResetStrikes, "lifted_by": subject},
	}
	if err := s.components.SafetyRepo.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to audit hold lift",
			slog.Uint64("user_id", uint64(userID)),
			slog.String("error", err.Error()),
		)
	}

	return c.JSON(fiber.Map{"message": "Safety hold lifted"})
}

// GetFeatureFlags returns the configured operational flags.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	if s.components.Flags == nil {
		return c.JSON(fiber.Map{"raw": map[string]string{}})
	}
	return c.JSON(fiber.Map{"raw": s.components.Flags.Raw()})
}
