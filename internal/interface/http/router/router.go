package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignatzorin/escrow-settlement/internal/config"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/handler"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/middleware"
)

type Handlers struct {
	Booking *handler.BookingHandler
	Stage   *handler.StageHandler
	Chat    *handler.ChatHandler
	Health  *handler.HealthHandler
	WS      *handler.WSHandler
	// Dev подключается только при работе с симулятором леджера.
	Dev *handler.DevHandler
}

func SetupRouter(cfg *config.Config, h Handlers, tokens middleware.TokenParser, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "NOT_FOUND", "message": "маршрут не найден"}})
	})

	api := r.Group("/api")
	api.GET("/ws", h.WS.Handle)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(tokens))

	bookings := protected.Group("/bookings")
	{
		bookings.POST("", h.Booking.Create)
		bookings.GET("", h.Booking.List)

		byID := bookings.Group("/:id", middleware.UUIDValidator("id"))
		byID.GET("", h.Booking.Get)
		byID.POST("/status", h.Booking.UpdateStatus)
		byID.POST("/dispute", h.Booking.RaiseDispute)
		byID.POST("/dispute/resolve", h.Booking.ResolveDispute)
		byID.POST("/cancel", h.Booking.Cancel)
		byID.POST("/review", h.Booking.Review)
		byID.GET("/timeline", h.Booking.Timeline)
		byID.POST("/funding/refresh",
			middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod),
			h.Booking.RefreshFunding,
		)
	}

	protected.POST("/stages/:id/transition", middleware.UUIDValidator("id"), h.Stage.Transition)

	chat := protected.Group("/chat")
	{
		chat.GET("/can-communicate", h.Chat.CanCommunicate)
		chat.POST("/authorize", h.Chat.AuthorizeMessage)
	}

	if h.Dev != nil && !cfg.IsProduction() {
		protected.POST("/dev/bookings/:id/deposit", middleware.UUIDValidator("id"), h.Dev.Deposit)
	}

	return r
}
