// README: Dispatch outcomes, offer responses and tuning constants.
package dispatch

import (
	"errors"

	"ridelink/internal/types"
)

var (
	ErrNotOffered      = errors.New("driver was not offered this trip")
	ErrTripUnavailable = errors.New("trip no longer available")
)

// NoDriversReason is recorded on trips whose search ran out of time or radius.
const NoDriversReason = "no drivers found"

// failureReason is recorded when the search loop itself broke.
const failureReason = "dispatch failure"

type OutcomeStatus string

const (
	OutcomeMatched   OutcomeStatus = "matched"
	OutcomeExhausted OutcomeStatus = "exhausted"
	OutcomeAborted   OutcomeStatus = "aborted"
	OutcomeFailed    OutcomeStatus = "failed"
	// OutcomeDuplicate means a search for the trip was already running.
	OutcomeDuplicate OutcomeStatus = "duplicate"
)

// Outcome summarises one search.
type Outcome struct {
	Status    OutcomeStatus
	DriverID  types.ID
	Radii     []float64
	Contacted int
}

type response struct {
	driverID types.ID
	accepted bool
	timedOut bool
}
