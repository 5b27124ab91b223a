// README: Driver handlers for answering trip offers over HTTP.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/http/middleware"
	"ridelink/internal/types"
)

// OfferResponder records a driver's answer to a trip offer.
type OfferResponder interface {
	Respond(ctx context.Context, tripID, driverID types.ID, accepted bool) error
}

type DriverHandler struct {
	offers OfferResponder
}

func NewDriverHandler(offers OfferResponder) *DriverHandler {
	return &DriverHandler{offers: offers}
}

type respondReq struct {
	Accepted *bool `json:"accepted"`
}

// Respond is the fallback for drivers without a live websocket.
func (h *DriverHandler) Respond(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if middleware.CallerRole(c) != roleDriver {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Accepted == nil {
		writeError(c, http.StatusBadRequest, "accepted is required")
		return
	}
	if err := h.offers.Respond(c.Request.Context(), id, callerID(c), *req.Accepted); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "recorded"})
}
