// README: Firebase-backed driver presence source and FCM offer delivery.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"ridelink/internal/modules/pricing"
	"ridelink/internal/types"
)

// FirebaseService reads driver presence from RTDB and sends push notifications
// via FCM. Either client may be nil when that half is not configured.
type FirebaseService struct {
	dbClient  *db.Client
	msgClient *messaging.Client
	log       logrus.FieldLogger
}

// NewFirebaseService builds the RTDB client only when the app was configured
// with a database URL.
func NewFirebaseService(ctx context.Context, app *firebase.App, withRTDB bool, log logrus.FieldLogger) (*FirebaseService, error) {
	s := &FirebaseService{log: log}
	if withRTDB {
		dbClient, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
		}
		s.dbClient = dbClient
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	s.msgClient = msgClient
	return s, nil
}

// rtdbDriverEntry mirrors a driver entry stored under /driver_locations.
type rtdbDriverEntry struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Status      string  `json:"status"`
	Class       string  `json:"class"`
	Carrier     bool    `json:"carrier"`
	DeviceToken string  `json:"device_token"`
	Timestamp   int64   `json:"timestamp"`
}

// DriversInBox fetches drivers with status "online" and keeps those inside the box.
func (s *FirebaseService) DriversInBox(ctx context.Context, box BoundingBox) ([]DriverState, error) {
	if s.dbClient == nil {
		return nil, fmt.Errorf("firebase RTDB not configured")
	}
	ref := s.dbClient.NewRef("driver_locations")

	var data map[string]rtdbDriverEntry
	if err := ref.OrderByChild("status").EqualTo("online").Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("querying active drivers: %w", err)
	}

	var result []DriverState
	for driverID, entry := range data {
		p := types.Point{Lat: entry.Lat, Lng: entry.Lng}
		if !box.Contains(p) {
			continue
		}
		result = append(result, DriverState{
			DriverID:    types.ID(driverID),
			Position:    p,
			Online:      true,
			Class:       pricing.VehicleClass(entry.Class),
			Carrier:     entry.Carrier,
			DeviceToken: entry.DeviceToken,
			UpdatedAt:   time.UnixMilli(entry.Timestamp),
		})
	}
	return result, nil
}

// OfferInfo is the payload pushed to a driver's device for a trip offer.
type OfferInfo struct {
	TripID      types.ID
	Pickup      types.Place
	Drop        types.Place
	Fare        types.Money
	DistanceKm  float64
	PaymentMode string
}

// NotifyTripOffer sends an FCM data message to the driver's device.
func (s *FirebaseService) NotifyTripOffer(ctx context.Context, deviceToken string, info OfferInfo) error {
	if deviceToken == "" {
		return fmt.Errorf("empty device token for trip %s", string(info.TripID))
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Data: map[string]string{
			"type":         "trip_offer",
			"trip_id":      string(info.TripID),
			"pickup":       info.Pickup.Address,
			"pickup_lat":   strconv.FormatFloat(info.Pickup.Lat, 'f', 6, 64),
			"pickup_lng":   strconv.FormatFloat(info.Pickup.Lng, 'f', 6, 64),
			"drop":         info.Drop.Address,
			"fare":         strconv.FormatInt(info.Fare.Amount, 10),
			"currency":     info.Fare.Currency,
			"distance_km":  strconv.FormatFloat(info.DistanceKm, 'f', 2, 64),
			"payment_mode": info.PaymentMode,
		},
		Notification: &messaging.Notification{
			Title: "New trip request",
			Body:  fmt.Sprintf("Pickup %.1f km away, fare %d %s", info.DistanceKm, info.Fare.Amount, info.Fare.Currency),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := s.msgClient.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM to token %s: %w", deviceToken, err)
	}

	s.log.WithFields(logrus.Fields{"trip_id": info.TripID, "message_id": messageID}).Debug("FCM offer sent")
	return nil
}
