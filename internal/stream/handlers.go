package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func RegisterRoutes(r fiber.Router, hub *Hub, view PresenceView, authMiddleware fiber.Handler) {
	r.Get("/presence", authMiddleware, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		viewerID, _ := c.Locals("user_id").(string)
		client := hub.Register(viewerID)
		defer hub.Unregister(client)

		if payload, err := EncodePresence(view, viewerID); err == nil {
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
