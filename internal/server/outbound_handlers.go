package server

import (
	"time"

	"safeline/internal/delivery"
	"safeline/internal/models"
	"safeline/internal/queue"

	"github.com/gofiber/fiber/v2"
)

const maxClaimLimit = 100

// SendMessage delivers one message synchronously through the delivery pipeline.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var req delivery.Request
	if err := bindJSON(c, &req); err != nil {
		return nil
	}

	res, err := s.components.Pipeline.Send(c.UserContext(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

// EnqueueJob stores an outbound job for the worker. A repeated idempotency key
// returns the existing job with 200 instead of 201.
func (s *Server) EnqueueJob(c *fiber.Ctx) error {
	var req queue.EnqueueRequest
	if err := bindJSON(c, &req); err != nil {
		return nil
	}

	job, created, err := s.components.Queue.Enqueue(c.UserContext(), req)
	if err != nil {
		return s.respondError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"job":     job,
		"created": created,
	})
}

// CancelJob cancels a pending job.
func (s *Server) CancelJob(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	job, err := s.components.Queue.Cancel(c.UserContext(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(job)
}

type claimRequest struct {
	Limit int `json:"limit"`
}

// ClaimJobs runs one claim-and-process pass on behalf of an external scheduler.
func (s *Server) ClaimJobs(c *fiber.Ctx) error {
	var req claimRequest
	if err := bindJSON(c, &req); err != nil {
		return nil
	}
	if req.Limit < 0 || req.Limit > maxClaimLimit {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("limit must be between 0 and 100"))
	}

	res, err := s.components.Queue.ClaimAndProcess(c.UserContext(), req.Limit)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

type reconcileRequest struct {
	Limit        int `json:"limit"`
	StaleMinutes int `json:"stale_minutes"`
}

// Reconcile runs one reconciliation sweep. Zero values fall back to the configured bounds.
func (s *Server) Reconcile(c *fiber.Ctx) error {
	var req reconcileRequest
	if err := bindJSON(c, &req); err != nil {
		return nil
	}

	opts := ReconcileDefaults(s.config)
	if req.Limit != 0 {
		opts.Limit = req.Limit
	}
	if req.StaleMinutes != 0 {
		opts.StaleAfter = time.Duration(req.StaleMinutes) * time.Minute
	}

	res, err := s.components.Reconciler.Reconcile(c.UserContext(), opts)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}
