package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"breakdown-service-backend/internal/lifecycle"
	"breakdown-service-backend/internal/mw"
	"breakdown-service-backend/internal/realtime"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(
	engine *lifecycle.Engine,
	db *gorm.DB,
	hub *realtime.Hub,
	webpushOptions *webpush.Options,
	jwtSecret []byte,
	rateLimit rate.Limit,
	log *logrus.Logger,
) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(engine, db, webpushOptions)

	rateLimiter := mw.RateLimiter(rateLimit, 5, log)

	// Scoped listings vary per caller, so only the public VAPID key endpoint
	// is response-cached.
	cacheStore := cache.New(5*time.Minute, 10*time.Minute)
	caching := mw.Cache(cacheStore, 5*time.Minute)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/vapid_public_key", caching, handler.GetVAPIDPublicKey)

		authed := api.Group("", mw.Auth(jwtSecret))
		{
			authed.POST("/service", handler.CreateService)
			authed.GET("/service", handler.ListServices)
			authed.GET("/service/:id", handler.GetService)
			authed.PUT("/service/:id/accept", handler.AcceptService)
			authed.PUT("/service/:id/reject", handler.RejectService)
			authed.PUT("/service/:id/assign-mechanic", handler.AssignMechanic)
			authed.PUT("/service/:id/estimate", handler.SetEstimate)
			authed.PUT("/service/:id/estimate/approve", handler.ApproveEstimate)
			authed.PUT("/service/:id/status", handler.UpdateStatus)
			authed.POST("/service/:id/notes", handler.AddNote)
			authed.GET("/service/:id/timeline", handler.GetTimeline)

			authed.PUT("/subscriptions", handler.PutSubscription)
			authed.DELETE("/subscriptions", handler.DeleteSubscription)
		}
	}

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeHTTP(c.Writer, c.Request)
	})

	return r
}

// JoinAuthorizer intersects a join payload with the verified identity on the
// upgrade request: an authenticated connection may only claim its own user,
// provider and mechanic rooms (admins are unrestricted). Connections without
// a token keep their payload as-is; authenticating socket clients is an
// upstream concern here, the token only narrows what a join may claim.
func JoinAuthorizer(secret []byte) realtime.Authorizer {
	return func(r *http.Request, j realtime.Join) realtime.Join {
		actor, ok := mw.ActorFromToken(r, secret)
		if !ok || actor.Role == lifecycle.RoleAdmin {
			return j
		}
		j.UserID = actor.UserID
		if j.ProviderID != "" && j.ProviderID != actor.ProviderID {
			j.ProviderID = ""
		}
		if j.MechanicID != "" && j.MechanicID != actor.MechanicID {
			j.MechanicID = ""
		}
		return j
	}
}
