// README: Entry point; loads config, wires services, starts HTTP server and the realtime hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ridelink/internal/config"
	"ridelink/internal/events"
	httptransport "ridelink/internal/http"
	"ridelink/internal/infra"
	"ridelink/internal/logging"
	"ridelink/internal/maps"
	"ridelink/internal/modules/dispatch"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/modules/trip"
	"ridelink/internal/payment"
	"ridelink/internal/realtime"
	"ridelink/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("RIDELINK_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("firebase init")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.WithError(err).Fatal("firebase auth init")
	}
	firebaseSvc, err := location.NewFirebaseService(ctx, app, cfg.Dispatch.DriverSource == "firebase", log)
	if err != nil {
		log.WithError(err).Fatal("firebase services init")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("postgres init")
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.WithError(err).Fatal("redis init")
	}
	defer redisClient.Close()

	var (
		routes trip.RouteEstimator
		dists  location.DistanceEstimator
		zones  pricing.ZoneResolver = pricing.KeywordResolver{}
	)
	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		zoneSvc, err := maps.NewZoneService(cfg.Maps.APIKey, log)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		routes, dists, zones = routeSvc, routeSvc, zoneSvc
	} else {
		log.Warn("no maps key; distances fall back to straight line")
	}

	card, err := pricing.NewStore(dbPool).LoadRateCard(ctx, pricing.DefaultRateCard())
	if err != nil {
		log.WithError(err).Warn("rate overrides not loaded; using defaults")
	}
	pricingSvc := pricing.NewService(card, zones)

	hub := realtime.NewHub(log)

	locationStore := location.NewStore(dbPool, redisClient)
	var source location.DriverSource = locationStore
	if cfg.Dispatch.DriverSource == "firebase" {
		source = firebaseSvc
	}
	locationSvc := location.NewService(location.Deps{
		Source:      source,
		Drivers:     locationStore,
		Snapshots:   locationStore,
		Distances:   dists,
		Connections: hub,
		Log:         log,
	})

	publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()

	tripDeps := trip.Deps{
		Store:     trip.NewStore(dbPool),
		Pricing:   pricingSvc,
		Routes:    routes,
		Drivers:   locationSvc,
		Publisher: publisher,
		Notifier:  realtime.NewTripNotifier(hub),
		Log:       log,
	}
	if cfg.Razorpay.KeyID != "" {
		tripDeps.Payments = payment.NewRazorpayGateway(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, log)
	} else {
		log.Warn("no payment gateway configured; online trips cannot complete")
	}
	tripSvc := trip.NewService(tripDeps)

	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Trips:      tripSvc,
		Candidates: locationSvc,
		Messenger:  hub,
		Pusher:     firebaseSvc,
		Contacts:   dispatch.NewStore(redisClient),
		Config:     cfg.Dispatch,
		Log:        log,
	})
	tripSvc.SetSearch(dispatchSvc)

	hub.HandleJoins(func(userID, tripID types.ID) bool {
		t, err := tripSvc.Get(ctx, tripID)
		return err == nil && (t.RequesterID == userID || t.IsBoundDriver(userID))
	})
	hub.Handle(realtime.TypeOfferResponse, func(c *realtime.Client, msg realtime.Message) {
		accepted, ok := msg.Data["accepted"].(bool)
		if !ok || msg.TripID == "" {
			c.Reply(realtime.Message{Type: realtime.TypeError, TripID: msg.TripID, Data: map[string]any{"error": "accepted is required"}})
			return
		}
		if err := dispatchSvc.Respond(ctx, msg.TripID, c.UserID, accepted); err != nil {
			c.Reply(realtime.Message{Type: realtime.TypeError, TripID: msg.TripID, Data: map[string]any{"error": err.Error()}})
		}
	})

	server := httptransport.NewServer(httptransport.ServerDeps{
		Trips:    tripSvc,
		Offers:   dispatchSvc,
		Location: locationSvc,
		Sockets:  hub,
		Verifier: verifier,
		Log:      log,
	})

	if err := server.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
		log.WithError(err).Error("http server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatchSvc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("dispatch searches did not finish")
	}
	log.Info("shutdown complete")
}
