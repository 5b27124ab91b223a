// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ridelink/internal/http/handlers"
	"ridelink/internal/infra"
	"ridelink/internal/logging"
)

type ServerDeps struct {
	Trips    handlers.TripService
	Offers   handlers.OfferResponder
	Location handlers.PresenceUpdater
	Sockets  handlers.SocketServer
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
}

type Server struct {
	trips    handlers.TripService
	offers   handlers.OfferResponder
	location handlers.PresenceUpdater
	sockets  handlers.SocketServer
	verifier infra.TokenVerifier
	log      logrus.FieldLogger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		trips:    deps.Trips,
		offers:   deps.Offers,
		location: deps.Location,
		sockets:  deps.Sockets,
		verifier: deps.Verifier,
		log:      logging.OrDiscard(deps.Log).WithField("component", "http"),
	}
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
