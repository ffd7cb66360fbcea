package ginserver

import (
	"log/slog"
	"net/http"

	gin "github.com/gin-gonic/gin"

	"resortchat/internal/infra/identity"
)

// SocketServer upgrades authenticated requests to chat sockets.
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, ident identity.Identity) error
}

type SocketHandler struct {
	Hub    SocketServer
	Logger *slog.Logger
}

func (h SocketHandler) Serve(c *gin.Context) {
	ident, ok := requireIdentity(c)
	if !ok {
		return
	}
	if err := h.Hub.ServeWS(c.Writer, c.Request, ident); err != nil && h.Logger != nil {
		h.Logger.Warn("socket upgrade failed", "user_id", ident.UserID, "error", err)
	}
}

var _ SocketHTTP = SocketHandler{}
