package server

import (
	"log/slog"
	"strings"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/queue"
	"safeline/internal/service"

	"github.com/gofiber/fiber/v2"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// SignatureRequired rejects carrier webhooks whose signature does not match the
// configured auth token. It is a no-op when signature validation is disabled.
func (s *Server) SignatureRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.config.CarrierValidateSignatures {
			return c.Next()
		}

		params := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(k, v []byte) {
			params[string(k)] = string(v)
		})
		url := c.BaseURL() + c.OriginalURL()
		if !carrier.ValidateSignature(s.config.CarrierAuthToken, url, params, c.Get("X-Twilio-Signature")) {
			s.logger.WarnContext(c.UserContext(), "rejected webhook with invalid signature",
				slog.String("path", c.Path()),
				slog.String("ip", c.IP()),
			)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "invalid webhook signature",
			})
		}
		return c.Next()
	}
}

// senderKey throttles inbound webhooks per sending phone.
func senderKey(c *fiber.Ctx) string {
	if from := strings.TrimSpace(c.FormValue("From")); from != "" {
		return "from:" + from
	}
	return ""
}

// InboundSMS accepts one inbound text from the carrier and runs it through the gateway.
// Intercept replies go out through the job queue, so the TwiML body is always empty.
func (s *Server) InboundSMS(c *fiber.Ctx) error {
	ctx := c.UserContext()
	msg := service.Inbound{
		ProviderMessageID: strings.TrimSpace(c.FormValue("MessageSid")),
		From:              strings.TrimSpace(c.FormValue("From")),
		To:                strings.TrimSpace(c.FormValue("To")),
		Body:              c.FormValue("Body"),
		ReceivedAt:        time.Now().UTC(),
	}

	outcome, err := s.components.Gateway.Handle(ctx, msg)
	if err != nil {
		return s.respondError(c, err)
	}

	s.logger.InfoContext(ctx, "inbound message handled",
		slog.String("provider_message_id", msg.ProviderMessageID),
		slog.String("stage", string(outcome.Stage)),
		slog.String("safety", string(outcome.Safety)),
		slog.String("moderation", string(outcome.Moderation)),
	)
	c.Set(fiber.HeaderContentType, fiber.MIMETextXMLCharsetUTF8)
	return c.Status(fiber.StatusOK).SendString(emptyTwiML)
}

// StatusCallback applies a carrier delivery status webhook. The carrier sends no event
// time, so the callback can only move the message forward.
func (s *Server) StatusCallback(c *fiber.Ctx) error {
	cb := queue.StatusCallback{
		CarrierMessageID: strings.TrimSpace(c.FormValue("MessageSid")),
		Status:           strings.TrimSpace(c.FormValue("MessageStatus")),
		ErrorCode:        c.FormValue("ErrorCode"),
		ErrorMessage:     c.FormValue("ErrorMessage"),
	}
	if _, err := s.components.Reconciler.ApplyStatusCallback(c.UserContext(), cb); err != nil {
		return s.respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
