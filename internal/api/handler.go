package api

import (
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"breakdown-service-backend/internal/lifecycle"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	engine  *lifecycle.Engine
	db      *gorm.DB
	webpush *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(engine *lifecycle.Engine, db *gorm.DB, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		engine:  engine,
		db:      db,
		webpush: webpushOptions,
	}
}

func respondData(c *gin.Context, status int, v any) {
	c.JSON(status, gin.H{"data": v})
}

// respondErr maps the lifecycle error taxonomy onto HTTP statuses:
// 400 invalid argument, 403 forbidden, 404 not found, 409 invalid transition.
func respondErr(c *gin.Context, err error) {
	var it *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.As(err, &it):
		c.JSON(http.StatusConflict, gin.H{"error": it.Error()})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
