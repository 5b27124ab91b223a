// README: Websocket upgrade handler for the realtime channel.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/http/middleware"
	"ridelink/internal/types"
)

type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID types.ID, role string) error
}

type WSHandler struct {
	sockets SocketServer
}

func NewWSHandler(sockets SocketServer) *WSHandler {
	return &WSHandler{sockets: sockets}
}

func (h *WSHandler) Serve(c *gin.Context) {
	// The upgrader writes its own error response on failure.
	if err := h.sockets.ServeWS(c.Writer, c.Request, callerID(c), middleware.CallerRole(c)); err != nil {
		_ = c.Error(err)
	}
}
