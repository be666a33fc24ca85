package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter builds the engine with recovery, request logging and CORS in
// front of the chat routes.
func NewRouter(h *Handler, logger zerolog.Logger, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger), CORS(allowedOrigins))
	h.RegisterRoutes(router)
	return router
}
