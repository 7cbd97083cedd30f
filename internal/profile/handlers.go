package profile

import (
	"context"

	"backend-runwith/internal/logging"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// RegisterRoutes mounts the profile endpoints. onVisibilityChange runs after
// a successful visibility update; its error is logged only.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler, onVisibilityChange func(context.Context) error) {
	r.Get("/me", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "user_id missing")
		}
		p, err := svc.Get(c.Context(), userID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(p)
	})

	r.Put("/me/visibility", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "user_id missing")
		}
		var req VisibilityRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "is_visible required")
		}
		p, err := svc.SetVisibility(c.Context(), userID, *req.IsVisible)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		if onVisibilityChange != nil {
			if err := onVisibilityChange(c.UserContext()); err != nil {
				logging.Warn().Err(err).Str("user_id", userID).Msg("presence resync after visibility change failed")
			}
		}
		return c.JSON(p)
	})
}
