package history

import (
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/runs", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "user_id missing")
		}
		runs, err := svc.List(c.Context(), userID, c.QueryInt("limit", DefaultListLimit))
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		views := make([]RunView, 0, len(runs))
		for _, r := range runs {
			views = append(views, NewRunView(r))
		}
		return c.JSON(views)
	})

	r.Get("/stats", authMiddleware, func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "user_id missing")
		}
		stats, err := svc.Stats(c.Context(), userID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(NewStatsView(stats))
	})
}
