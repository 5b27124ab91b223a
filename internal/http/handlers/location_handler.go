// README: Location handlers for driver presence updates.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/http/middleware"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

type PresenceUpdater interface {
	UpdateDriver(ctx context.Context, u location.DriverUpdate) error
}

type LocationHandler struct {
	location PresenceUpdater
}

func NewLocationHandler(svc PresenceUpdater) *LocationHandler {
	return &LocationHandler{location: svc}
}

type locationReq struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Online       bool    `json:"online"`
	VehicleClass string  `json:"vehicle_class"`
	Carrier      bool    `json:"carrier"`
	DeviceToken  string  `json:"device_token"`
	TripID       string  `json:"trip_id"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// Only the authenticated driver may update their own location.
	if middleware.CallerRole(c) != roleDriver {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	if middleware.CallerUID(c) != string(id) {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TripID != "" && !isValidID(req.TripID) {
		writeError(c, http.StatusBadRequest, "invalid trip_id")
		return
	}
	err := h.location.UpdateDriver(c.Request.Context(), location.DriverUpdate{
		DriverID:    id,
		Position:    types.Point{Lat: req.Lat, Lng: req.Lng},
		Online:      req.Online,
		Class:       pricing.VehicleClass(req.VehicleClass),
		Carrier:     req.Carrier,
		DeviceToken: req.DeviceToken,
		TripID:      types.ID(req.TripID),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}
