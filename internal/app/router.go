package app

import (
	"context"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/esg-pipeline/api/swagger"
	"github.com/noah-isme/esg-pipeline/internal/handler"
	"github.com/noah-isme/esg-pipeline/internal/middleware"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	corsmiddleware "github.com/noah-isme/esg-pipeline/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/esg-pipeline/pkg/middleware/requestid"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

// Router builds the HTTP surface of the api-gateway.
func (a *App) Router() *gin.Engine {
	if a.Config.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(a.Logger))
	r.Use(corsmiddleware.New(a.Config.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.Services.Metrics))

	checks := map[string]handler.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return a.DB.PingContext(ctx) },
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	metricsHandler := handler.NewMetricsHandler(a.Services.Metrics.Handler(), checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if a.Config.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	submissions := handler.NewSubmissionHandler(a.Services.Uploads, a.Services.Lifecycle)
	var tokens interface {
		Parse(token string) (storage.SignedPayload, error)
	}
	if a.Signer != nil {
		tokens = a.Signer
	}
	qa := handler.NewQAHandler(a.Services.QA, tokens, a.Payloads)
	requests := handler.NewDataRequestHandler(a.Services.Requests)
	sourcings := handler.NewDataSourcingHandler(a.Services.Sourcings)
	deadLetters := handler.NewDeadLetterHandler(a.Services.DeadLetters)
	audit := a.Logger

	api := r.Group(a.Config.APIPrefix)
	api.GET("/payloads/:token", qa.Payload)

	secured := api.Group("")
	secured.Use(middleware.JWT(a.Services.Auth))

	uploaders := middleware.RequireRoles(models.RoleUploader, models.RoleAdmin)
	reviewers := middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin)
	admins := middleware.RequireRoles(models.RoleAdmin)

	secured.POST("/datasets", uploaders, submissions.UploadDataset)
	secured.POST("/data-points", uploaders, submissions.UploadDataPoint)
	secured.GET("/submissions/:id", submissions.Get)
	secured.POST("/submissions/:id/re-review", admins, middleware.Audit(audit, "submission.re_review"), submissions.ReReview)
	secured.DELETE("/submissions/:id", admins, middleware.Audit(audit, "submission.delete"), submissions.Delete)

	secured.GET("/qa/queue", reviewers, qa.Queue)
	secured.POST("/qa/:id/verdict", reviewers, middleware.Audit(audit, "qa.verdict"), qa.Verdict)

	secured.POST("/requests", requests.Create)
	secured.GET("/requests", requests.List)
	secured.GET("/requests/:id", requests.Get)
	secured.PATCH("/requests/:id/state", admins, middleware.Audit(audit, "request.state"), requests.PatchState)
	secured.PATCH("/requests/:id/comment", requests.UpdateComment)
	secured.POST("/requests/:id/withdraw", requests.Withdraw)
	secured.POST("/requests/:id/resubmit", requests.Resubmit)
	secured.GET("/requests/:id/history/export", requests.ExportHistory)

	secured.GET("/sourcings", admins, sourcings.List)
	secured.GET("/sourcings/:id", admins, sourcings.Get)
	secured.PATCH("/sourcings/:id", admins, middleware.Audit(audit, "sourcing.patch"), sourcings.Patch)

	admin := secured.Group("/admin", admins)
	admin.GET("/dead-letters", deadLetters.List)
	admin.POST("/dead-letters/:id/replay", middleware.Audit(audit, "dead_letter.replay"), deadLetters.Replay)

	return r
}
