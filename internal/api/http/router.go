package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(roomController *RoomController, allowedOrigins []string) *gin.Engine {
	router := gin.Default()
	config := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))

	router.GET("/health", roomController.Health)
	router.GET("/healthz", roomController.Health)
	router.GET("/ws", roomController.Connect)

	api := router.Group("/api")
	api.GET("/rooms", roomController.ListRooms)
	api.GET("/ice-servers", roomController.ICEServers)

	return router
}
