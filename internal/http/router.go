// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"freight/internal/http/handlers"
	"freight/internal/http/middleware"
	"freight/internal/infra"
	"freight/internal/modules/backhaul"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
)

type RouterDeps struct {
	Engine              *negotiation.Engine
	Intents             *intent.Service
	Backhaul            *backhaul.Service
	Verifier            infra.TokenVerifier
	Log                 *zap.Logger
	ListDefaultRadiusKm float64
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	services := handlers.NewServiceHandler(d.Engine, d.ListDefaultRadiusKm)
	offers := handlers.NewOfferHandler(d.Engine)
	drivers := handlers.NewDriverHandler(d.Engine, d.Intents, d.Backhaul)

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/services", services.List)
	r.GET("/services/:id", services.Get)
	r.GET("/drivers/:id/backhaul_suggestions", middleware.OptionalAuth(d.Verifier), drivers.Backhaul)

	api := r.Group("/api", middleware.Auth(d.Verifier))
	api.GET("/me", func(c *gin.Context) {
		actor := middleware.Caller(c)
		c.JSON(http.StatusOK, gin.H{"id": actor.ID, "role": actor.Role})
	})

	api.POST("/services", services.Create)
	api.PATCH("/services/:id", services.Patch)
	api.POST("/services/:id/cancel", services.Cancel)
	api.POST("/services/:id/offers", offers.Submit)
	api.GET("/services/:id/offers", offers.List)
	api.GET("/shipper/services", services.Mine)

	api.POST("/offers/:id/accept", offers.Accept)

	api.POST("/assignments/:id/collect", drivers.Collect)
	api.POST("/assignments/:id/deliver", drivers.Deliver)
	api.GET("/driver/assignment", drivers.Assignment)
	api.POST("/driver/intent", drivers.PutIntent)
	api.GET("/driver/intent", drivers.GetIntent)

	return r
}
