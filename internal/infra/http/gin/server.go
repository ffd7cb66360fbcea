package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"resortchat/internal/infra/config"
	"resortchat/internal/infra/obs"
)

type ChatHTTP interface {
	ListMessages(c *gin.Context)
	ListUserChats(c *gin.Context)
	ListResortChats(c *gin.Context)
	ListMyChats(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
}

type SocketHTTP interface {
	Serve(c *gin.Context)
}

type Handlers struct {
	Chat           ChatHTTP
	Socket         SocketHTTP
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{Addr: cfg.HTTPAddr, Handler: NewRouter(cfg, obsMW, health, h)}
}

func NewRouter(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	if h.Socket != nil {
		router.GET(cfg.SocketPath, h.Socket.Serve)
	}

	api := router.Group("/api/v1")
	if h.Chat != nil {
		api.POST("/chats/messages", h.Chat.SendMessage)
		api.GET("/chats/:id/messages", h.Chat.ListMessages)
		api.POST("/chats/:id/read", h.Chat.MarkRead)
		api.GET("/users/:id/chats", h.Chat.ListUserChats)
		api.GET("/resorts/:id/chats", h.Chat.ListResortChats)
		api.GET("/me/chats", h.Chat.ListMyChats)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
