package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studybuddy/internal/apperr"
	"studybuddy/internal/log"
	"studybuddy/internal/models"
	"studybuddy/internal/service/pipeline"
	"studybuddy/internal/worker"
)

type ChatService interface {
	Send(ctx context.Context, req pipeline.SendRequest) (*pipeline.SendResult, error)
	History(ctx context.Context, limit int, sessionID string) ([]*models.Message, error)
	DefaultHistoryLimit() int
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the chat pipeline.
type Handler struct {
	chat   ChatService
	health HealthChecker
}

// NewHandler constructs a Handler instance.
func NewHandler(chat ChatService, health HealthChecker) *Handler {
	return &Handler{chat: chat, health: health}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/send", h.sendMessage)
	router.GET("/history", h.getHistory)
	router.GET("/health", h.healthCheck)
}

type historyResponse struct {
	History []*models.Message `json:"history"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req pipeline.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	res, err := h.chat.Send(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getHistory(c *gin.Context) {
	limit := h.chat.DefaultHistoryLimit()
	if raw, ok := c.GetQuery("limit"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperr.Validation("limit must be an integer"))
			return
		}
		limit = parsed
	}
	msgs, err := h.chat.History(c.Request.Context(), limit, c.Query("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{History: msgs})
}

func (h *Handler) healthCheck(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		log.FromCtx(c.Request.Context()).Warn().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrStopped) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}
