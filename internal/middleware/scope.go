package middleware

import (
	"github.com/gofiber/fiber/v3"

	"movie-discovery-watch-history-service/internal/identity"
)

// ClientIDHeader carries the caller's client token.
const ClientIDHeader = "X-Client-ID"

const scopeKey = "history_scope"

// Scope resolves the history scope of a request from the X-Client-ID header.
// Requests without the header use the default scope; a malformed token is rejected.
func Scope() fiber.Handler {
	return func(c fiber.Ctx) error {
		token := c.Get(ClientIDHeader)
		if token == "" {
			return c.Next()
		}

		scope, ok := identity.ClientScope(token)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid X-Client-ID header, expected 1-128 characters of [A-Za-z0-9_-]",
			})
		}
		c.Locals(scopeKey, scope)
		return c.Next()
	}
}

// ScopeFrom returns the scope set by Scope, or "" for the default scope.
func ScopeFrom(c fiber.Ctx) string {
	scope, _ := c.Locals(scopeKey).(string)
	return scope
}
