package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/auth"
	"classattend/internal/httpmiddleware"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	CORSOrigins []string
	Verifier    auth.Verifier
	Limiter     httpmiddleware.Limiter
	HSTS        bool
}

// NewRouter wires middleware and routes onto a gin engine.
func NewRouter(cfg RouterConfig, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(h.Log, "/healthz", "/metrics"))
	r.Use(httpmiddleware.Metrics())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders(cfg.HSTS))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	if cfg.Limiter != nil {
		api.Use(httpmiddleware.RateLimit(cfg.Limiter, h.Log))
	}

	api.POST("/auth/sync", cfg.Verifier.Optional(), h.SyncUser)

	authed := api.Group("", cfg.Verifier.Require(), h.resolveUser())
	{
		authed.GET("/auth/profile", h.GetProfile)
		authed.PUT("/auth/profile", h.UpdateProfile)

		authed.POST("/classrooms", h.CreateClassroom)
		authed.GET("/classrooms", h.ListClassrooms)
		authed.GET("/classrooms/:id", h.GetClassroom)
		authed.DELETE("/classrooms/:id", h.DeleteClassroom)
		authed.POST("/classrooms/:id/upload-group-photo", h.UploadGroupPhoto)
		authed.POST("/classrooms/:id/assign-students", h.AssignStudents)
		authed.POST("/classrooms/:id/train-model", h.TrainModel)
		authed.GET("/classrooms/:id/status", h.ClassroomStatus)

		authed.POST("/attendance/:id/take", h.TakeAttendance)
		authed.GET("/attendance/:id/history", h.History)
		authed.GET("/attendance/:id/analytics", h.Analytics)
		authed.GET("/attendance/:id/export", h.Export)
	}

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Bearer tokens travel in a header, so open CORS never sends credentials.
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}
