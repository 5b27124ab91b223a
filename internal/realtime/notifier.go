// README: Trip change fan-out to trip rooms and guarded room joins.
package realtime

import (
	"ridelink/internal/modules/trip"
	"ridelink/internal/types"
)

// TripNotifier fans trip transitions out to the trip room. Parties join the
// room when the trip is created and when a driver is bound.
type TripNotifier struct {
	hub *Hub
}

func NewTripNotifier(hub *Hub) *TripNotifier {
	return &TripNotifier{hub: hub}
}

func (n *TripNotifier) TripChanged(t *trip.Trip, from trip.Status) {
	if from == trip.StatusNone {
		n.hub.JoinTrip(t.RequesterID, t.ID)
	}
	if t.Status == trip.StatusAccepted && t.DriverID != nil {
		n.hub.JoinTrip(*t.DriverID, t.ID)
	}

	msgType := TypeTripStatus
	if t.Status == trip.StatusCancelled {
		msgType = TypeTripCancelled
	}
	data := map[string]any{
		"from":   from,
		"status": t.Status,
	}
	if t.DriverID != nil {
		data["driver_id"] = *t.DriverID
	}
	if t.FinalFare != nil {
		data["final_fare"] = *t.FinalFare
	}
	if t.PaymentOrderID != nil {
		data["payment_order_id"] = *t.PaymentOrderID
	}
	if t.Status == trip.StatusCancelled {
		data["cancelled_by"] = t.CancelledByRole
		data["cancellation_fee"] = t.CancellationFee
		if t.CancelReason != nil {
			data["reason"] = *t.CancelReason
		}
	}
	n.hub.SendToTrip(t.ID, Message{Type: msgType, TripID: t.ID, Data: data})
}

// JoinGuard decides whether a user may watch a trip.
type JoinGuard func(userID, tripID types.ID) bool

// HandleJoins lets clients subscribe to trip rooms they are party to.
func (h *Hub) HandleJoins(allowed JoinGuard) {
	h.Handle(TypeJoinTrip, func(c *Client, msg Message) {
		if msg.TripID == "" || !allowed(c.UserID, msg.TripID) {
			c.Reply(Message{Type: TypeError, TripID: msg.TripID, Data: map[string]any{"error": "cannot join trip"}})
			return
		}
		h.mu.Lock()
		if c.inHubLocked(h) {
			h.joinLocked(c, tripRoom(msg.TripID))
		}
		h.mu.Unlock()
	})
}
