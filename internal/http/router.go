// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridelink/internal/http/handlers"
	"ridelink/internal/http/middleware"
)

func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", middleware.Auth(s.verifier))

	tripHandler := handlers.NewTripHandler(s.trips)
	authed.POST("/api/trips", tripHandler.Create)
	authed.GET("/api/trips/:id", tripHandler.Get)
	authed.POST("/api/trips/:id/transitions", tripHandler.Transition)

	driverHandler := handlers.NewDriverHandler(s.offers)
	authed.POST("/api/drivers/trips/:id/respond", driverHandler.Respond)

	locationHandler := handlers.NewLocationHandler(s.location)
	authed.PUT("/api/drivers/:id/location", locationHandler.Update)

	wsHandler := handlers.NewWSHandler(s.sockets)
	authed.GET("/ws", wsHandler.Serve)

	return r
}
