// README: Base handler utilities (JSON helpers, caller roles, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridelink/internal/http/middleware"
	"ridelink/internal/modules/dispatch"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/trip"
	"ridelink/internal/types"
)

const roleDriver = "driver"

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the identifiers we issue: uuids and Firebase uids.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func callerID(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func callerRole(c *gin.Context) trip.Role {
	if middleware.CallerRole(c) == roleDriver {
		return trip.RoleDriver
	}
	return trip.RoleRequester
}

// pathID reads and validates the :id parameter, writing 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func writeTripError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest), errors.Is(err, location.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrForbidden), errors.Is(err, dispatch.ErrNotOffered):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrBadCode), errors.Is(err, trip.ErrBadSignature):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trip.ErrInvalidState), errors.Is(err, trip.ErrConflict),
		errors.Is(err, trip.ErrActiveTrip), errors.Is(err, dispatch.ErrTripUnavailable):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, trip.ErrPaymentUnavailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
