// Package header provides header handling for the chat bridge.
//
// The bridge sits between browser clients and the chat backend like so:
//
//	Client <--HTTP/SSE--> Bridge <--TCP--> Chat server
//
// Clients authenticate every request with the session token returned by
// login or register, sent as "Authorization: Bearer <token>".
package header

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Handler manages request and response headers for bridge endpoints.
type Handler struct{}

// NewHandler creates a new header Handler.
func NewHandler() *Handler {
	return &Handler{}
}

const bearerScheme = "bearer"

// eventStream is the set of response headers for a message stream.
var eventStream = map[string]string{
	fiber.HeaderContentType:  "text/event-stream",
	fiber.HeaderCacheControl: "no-cache",
	fiber.HeaderConnection:   "keep-alive",

	// Reverse proxies such as nginx buffer responses by default, which
	// would hold events back until the buffer fills.
	"X-Accel-Buffering": "no",
}

// BearerToken returns the token of a "Bearer" Authorization header, or ""
// when the header is missing or uses another scheme. The scheme is matched
// case-insensitively.
func (h *Handler) BearerToken(c *fiber.Ctx) string {
	value := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	return strings.TrimSpace(token)
}

// SetEventStreamHeaders prepares the response for a server-sent event stream.
func (h *Handler) SetEventStreamHeaders(c *fiber.Ctx) {
	for k, v := range eventStream {
		c.Set(k, v)
	}
}
