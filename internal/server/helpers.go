package server

import (
	"errors"
	"strings"
	"unicode"

	"safeline/internal/delivery"
	"safeline/internal/models"
	"safeline/internal/queue"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "Id") {
		words := splitCamel(param[:len(param)-2])
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	return append(words, s[start:])
}

// bindJSON parses the request body into dst, writing a 400 on failure.
func bindJSON(c *fiber.Ctx, dst any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(dst); err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
		return errResponseWritten
	}
	return nil
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case models.ErrCodeValidation:
			return fiber.StatusBadRequest
		case models.ErrCodeNotFound:
			return fiber.StatusNotFound
		case models.ErrCodeConflict:
			return fiber.StatusConflict
		}
		return fiber.StatusInternalServerError
	}

	var deliveryErr *delivery.Error
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest), errors.Is(err, delivery.ErrDeniedLegacy):
		return fiber.StatusBadRequest
	case errors.Is(err, queue.ErrSweepInProgress):
		return fiber.StatusConflict
	case errors.As(err, &deliveryErr):
		if deliveryErr.Retryable {
			return fiber.StatusServiceUnavailable
		}
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

// respondError writes err with the status its type implies. Errors the caller
// can act on keep their message; everything else is reported as internal.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	var appErr *models.AppError
	if status == fiber.StatusInternalServerError {
		s.logger.ErrorContext(c.UserContext(), "request failed",
			"path", c.Path(), "error", err.Error())
		return models.RespondWithError(c, status, err)
	}
	if !errors.As(err, &appErr) {
		code := models.ErrCodeValidation
		if status == fiber.StatusConflict {
			code = models.ErrCodeConflict
		}
		if status >= fiber.StatusUnprocessableEntity {
			code = models.ErrCodeDelivery
		}
		appErr = &models.AppError{Code: code, Message: err.Error(), Err: err}
	}
	return models.RespondWithError(c, status, appErr)
}
