package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"

	"github.com/creatorly/chat-service/internal/auth"
	"github.com/creatorly/chat-service/internal/metrics"
	"github.com/creatorly/chat-service/internal/ws"
)

// Register mounts the REST surface, the metrics endpoint and the websocket
// upgrade route.
func Register(app *fiber.App, h *MessageHandler, gw *ws.Gateway, verifier *auth.Verifier) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "connections": gw.ConnCount()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api", JWTAuth(verifier))
	api.Post("/messages", h.createMessage)
	api.Put("/messages/:id", h.editMessage)
	api.Delete("/messages/:id", h.deleteMessage)
	api.Get("/chats/:id/messages", h.listMessages)
	api.Get("/chats/:id/members", h.listMembers)

	// authentication happens in-band as the first envelope, not at upgrade
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		gw.Serve(conn)
	}))
}
