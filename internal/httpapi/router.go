package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/httpapi/handlers"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/httpapi/middleware"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/ws"
)

type RouterDeps struct {
	AuthSecret string
	WS         *ws.Manager
	Resources  *handlers.ResourceHandler
	Events     *handlers.EventHandler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	collab := r.Group("/collab")
	collab.Use(middleware.Auth(deps.AuthSecret))
	collab.GET("/ws", deps.WS.Connect)
	collab.GET("/resources/:type/:id", deps.Resources.GetSnapshot)
	collab.GET("/resources/:type/:id/events", deps.Resources.ListEvents)

	// Server-to-server ingest from the task backend; shares the same auth
	// scheme (the backend holds a service token).
	internal := r.Group("/internal")
	internal.Use(middleware.Auth(deps.AuthSecret))
	internal.POST("/events", deps.Events.Publish)

	return r
}
