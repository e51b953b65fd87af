package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-hub/internal/control"
)

// RegisterControlRoutes 暴露 POST /-/control，把 JSON 消息转交给控制通道。
func RegisterControlRoutes(app *fiber.App, channel *control.Channel) {
	if app == nil || channel == nil {
		return
	}

	app.Post("/-/control", func(c fiber.Ctx) error {
		kind, err := control.DecodeKind(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_kind"})
		}

		ack, err := channel.Request(c.Context(), kind)
		if err != nil {
			if c.Context().Err() != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "control_unavailable"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "control_failed"})
		}
		if !kind.ExpectsReply() {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true, "kind": string(kind)})
		}
		if !ack.Cleared {
			return c.Status(fiber.StatusInternalServerError).JSON(ack)
		}
		return c.JSON(ack)
	})
}
