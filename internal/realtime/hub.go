// README: Realtime hub: websocket connections keyed by user, trip rooms and inbound message routing.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ridelink/internal/logging"
	"ridelink/internal/types"
)

// ChannelWebsocket is the channel reference reported for connected users.
const ChannelWebsocket = "websocket"

var ErrNotConnected = errors.New("user not connected")

const (
	TypeTripOffer       = "trip_offer"
	TypeTripUnavailable = "trip_unavailable"
	TypeTripMatched     = "trip_matched"
	TypeTripCancelled   = "trip_cancelled"
	TypeTripStatus      = "trip_status"
	TypeOfferResponse   = "offer_response"
	TypeJoinTrip        = "join_trip"
	TypeError           = "error"
)

type Message struct {
	Type      string         `json:"type"`
	TripID    types.ID       `json:"trip_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// InboundHandler processes a message received from a connected user.
type InboundHandler func(from *Client, msg Message)

type Hub struct {
	mu       sync.RWMutex
	clients  map[types.ID]map[*Client]bool
	rooms    map[string]map[*Client]bool
	handlers map[string]InboundHandler
	log      logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:  make(map[types.ID]map[*Client]bool),
		rooms:    make(map[string]map[*Client]bool),
		handlers: make(map[string]InboundHandler),
		log:      logging.OrDiscard(log).WithField("component", "realtime"),
	}
}

// Handle registers fn for inbound messages of the given type.
func (h *Hub) Handle(msgType string, fn InboundHandler) {
	h.mu.Lock()
	h.handlers[msgType] = fn
	h.mu.Unlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[*Client]bool)
	}
	h.clients[c.UserID][c] = true
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "role": c.Role}).Debug("client registered")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked removes c everywhere and closes its send queue. Callers hold h.mu.
func (h *Hub) dropLocked(c *Client) {
	set, ok := h.clients[c.UserID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.UserID)
	}
	for roomID := range c.rooms {
		if room, exists := h.rooms[roomID]; exists {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	close(c.send)
	h.log.WithField("user_id", c.UserID).Debug("client unregistered")
}

// ChannelFor reports whether userID has a live connection.
func (h *Hub) ChannelFor(userID types.ID) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients[userID]) == 0 {
		return "", false
	}
	return ChannelWebsocket, true
}

// SendToUser delivers msg to every connection of userID.
func (h *Hub) SendToUser(userID types.ID, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	if len(set) == 0 {
		return ErrNotConnected
	}
	for c := range set {
		h.enqueueLocked(c, data)
	}
	return nil
}

// SendToTrip delivers msg to everyone watching the trip room.
func (h *Hub) SendToTrip(tripID types.ID, msg Message) {
	data, err := encode(msg)
	if err != nil {
		h.log.WithError(err).Warn("encode room message failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[tripRoom(tripID)] {
		h.enqueueLocked(c, data)
	}
}

// JoinTrip subscribes every connection of userID to the trip room.
func (h *Hub) JoinTrip(userID, tripID types.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		h.joinLocked(c, tripRoom(tripID))
	}
}

func (h *Hub) joinLocked(c *Client, roomID string) {
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][c] = true
	c.rooms[roomID] = true
}

// enqueueLocked drops clients whose send queue is full.
func (h *Hub) enqueueLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.WithField("user_id", c.UserID).Warn("send queue full; dropping client")
		h.dropLocked(c)
	}
}

func (h *Hub) dispatch(c *Client, msg Message) {
	h.mu.RLock()
	fn := h.handlers[msg.Type]
	h.mu.RUnlock()
	if fn == nil {
		h.log.WithField("type", msg.Type).Debug("no handler for inbound message")
		return
	}
	fn(c, msg)
}

func tripRoom(id types.ID) string {
	return "trip_" + string(id)
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	return json.Marshal(msg)
}
