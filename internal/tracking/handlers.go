package tracking

import (
	"errors"

	"backend-runwith/internal/db"
	"backend-runwith/internal/history"
	"backend-runwith/internal/presence"
	"backend-runwith/internal/run"
	"backend-runwith/internal/shared/geo"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// PresenceLister returns the presence view of a viewer.
type PresenceLister interface {
	ViewList(localOwnerID string) []presence.ActiveSessionRecord
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var req PositionRequest
		if err := parse(c, &req); err != nil {
			return err
		}
		state, err := svc.StartRun(c.UserContext(), userID(c), req.Coordinate())
		if err != nil {
			return toFiberError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(state)
	})

	r.Post("/join/:ownerID", authMiddleware, func(c *fiber.Ctx) error {
		var req PositionRequest
		if err := parse(c, &req); err != nil {
			return err
		}
		state, err := svc.JoinRun(c.UserContext(), userID(c), c.Params("ownerID"), req.Coordinate())
		if err != nil {
			return toFiberError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(state)
	})

	r.Get("/current", authMiddleware, func(c *fiber.Ctx) error {
		state, err := svc.Current(userID(c))
		if err != nil {
			return toFiberError(err)
		}
		return c.JSON(state)
	})

	r.Post("/current/samples", authMiddleware, func(c *fiber.Ctx) error {
		var req SampleRequest
		if err := parse(c, &req); err != nil {
			return err
		}
		state, err := svc.PushSample(c.UserContext(), userID(c), req.Sample())
		if err != nil {
			return toFiberError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(state)
	})

	r.Post("/current/errors", authMiddleware, func(c *fiber.Ctx) error {
		var req ErrorReport
		if err := parse(c, &req); err != nil {
			return err
		}
		if err := svc.ReportSourceError(c.UserContext(), userID(c), req.Kind); err != nil {
			return toFiberError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/current/finish", authMiddleware, func(c *fiber.Ctx) error {
		completed, err := svc.FinishRun(c.UserContext(), userID(c))
		return finalizeResponse(c, completed, err)
	})

	r.Post("/current/finalize", authMiddleware, func(c *fiber.Ctx) error {
		completed, err := svc.RetryFinalize(c.UserContext(), userID(c))
		return finalizeResponse(c, completed, err)
	})

	r.Post("/current/cancel", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.CancelRun(c.UserContext(), userID(c)); err != nil {
			return toFiberError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// RegisterPresenceRoutes mounts the caller's presence view.
func RegisterPresenceRoutes(r fiber.Router, view PresenceLister, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(view.ViewList(userID(c)))
	})
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func parse(c *fiber.Ctx, out any) error {
	if userID(c) == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "user_id missing")
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func finalizeResponse(c *fiber.Ctx, completed history.CompletedRun, err error) error {
	var ferr *history.FinalizeError
	if errors.As(err, &ferr) {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": ferr.Error(),
			"step":  ferr.Step,
			"retry": "/runs/current/finalize",
		})
	}
	if err != nil {
		return toFiberError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(history.NewRunView(completed))
}

func toFiberError(err error) error {
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, presence.ErrJoinSelf),
		errors.Is(err, ErrUnknownKind):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoActiveRun),
		errors.Is(err, ErrNoPendingRun),
		errors.Is(err, presence.ErrTargetNotActive):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrRunInProgress),
		errors.Is(err, ErrFinalizePending),
		errors.Is(err, run.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, db.ErrStoreWriteFailed),
		errors.Is(err, db.ErrStoreReadFailed):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
