package http

import (
	"github.com/dkeye/cowrite/internal/adapters/signal"
	"github.com/dkeye/cowrite/internal/app"
	"github.com/dkeye/cowrite/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const tokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every client a stable token kept in the cookie
// session. The token only labels connections; it grants nothing.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(tokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(tokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, hub *app.Hub, gatherer prometheus.Gatherer) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("cowrite", store))
	r.Use(ClientTokenMiddleware())

	relay := signal.NewRelayController(hub, cfg)
	h := &handlers{hub: hub}

	r.GET("/ws", func(c *gin.Context) { relay.HandleRelay(c, c.Query("room")) })
	r.GET("/ws/:room", func(c *gin.Context) { relay.HandleRelay(c, c.Param("room")) })

	if cfg.Fallback {
		sb := signal.NewSwitchboard(hub.DefaultRoom())
		r.GET("/signal", func(c *gin.Context) { sb.HandleSignal(c, c.Query("room")) })
		r.GET("/signal/:room", func(c *gin.Context) { sb.HandleSignal(c, c.Param("room")) })
	}

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/rooms", h.rooms)

	log.Info().Str("module", "adapters.http").Bool("fallback", cfg.Fallback).Msg("router setup")
	return r
}
