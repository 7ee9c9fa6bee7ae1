package http

import (
	"context"
	stdhttp "net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/audio"
	"github.com/vovakirdan/hushroom/internal/config"
	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/metrics"
	"github.com/vovakirdan/hushroom/internal/store"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewServer builds the HTTP server with REST, websocket and metrics routes.
func NewServer(manager *membership.Manager, st store.Store, engine audio.Engine, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(manager, st, engine, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHandler builds the router wrapped in CORS handling.
func NewHandler(manager *membership.Manager, st store.Store, engine audio.Engine, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(MetricsMiddleware())

	router.GET("/health", healthHandler(st))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapH(NewWSHandler(manager, originPatterns(cfg.CORSOrigins), logger)))

	identityHandlers := NewIdentityHandlers(logger)
	roomHandlers := NewRoomHandlers(manager, st, logger)
	tokenHandlers := NewTokenHandlers(engine, st, logger)

	api := router.Group("/api")
	api.POST("/identity", identityHandlers.CreateIdentity)
	api.POST("/token", tokenHandlers.IssueToken)

	rooms := api.Group("/rooms")
	rooms.GET("", roomHandlers.ListRooms)
	rooms.POST("", roomHandlers.CreateRoom)
	rooms.GET("/:id", roomHandlers.GetRoom)
	rooms.POST("/:id/join", roomHandlers.JoinRoom)
	rooms.POST("/:id/leave", roomHandlers.LeaveRoom)
	rooms.POST("/:id/unload", roomHandlers.UnloadRoom)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{stdhttp.MethodGet, stdhttp.MethodPost, stdhttp.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(router)
}

func healthHandler(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := st.(pinger); ok {
			if err := p.Ping(c.Request.Context()); err != nil {
				c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
				return
			}
		}
		c.String(stdhttp.StatusOK, "ok")
	}
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			patterns = append(patterns, "*")
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
