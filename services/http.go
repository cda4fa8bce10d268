package services

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	log "github.com/sirupsen/logrus"

	"github.com/elenchus-labs/elenchus_api/services/handlers"
	"github.com/elenchus-labs/elenchus_api/shared"
)

type HttpService struct {
	context.DefaultService

	jwtSvc        *JWTService
	rateLimitSvc  *RateLimitService
	queueSvc      *QueueService
	monitoringSvc *MonitoringService

	port        int
	adminAPIKey string
	server      *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	svc.adminAPIKey = os.Getenv("ADMIN_API_KEY")

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.rateLimitSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.queueSvc = svc.Service(QUEUE_SVC).(*QueueService)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	app := fiber.New(fiber.Config{
		AppName:      SERVICE_NAME,
		ErrorHandler: svc.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(MonitoringMiddleware(svc.monitoringSvc))

	app.Get("/ping", svc.ping)
	app.Get("/swagger/*", swagger.HandlerDefault)

	chatHandler := handlers.NewChatHandler(svc.queueSvc, svc.rateLimitSvc)
	adminHandler := handlers.NewAdminHandler(svc.queueSvc, svc.rateLimitSvc)

	v1 := app.Group("/api/v1")

	authed := v1.Group("", svc.jwtSvc.RequiredAuth())
	authed.Post("/conversations/:conversationId/messages",
		svc.rateLimitSvc.RequireQuota(shared.ActionMessageSend),
		chatHandler.SendMessage)
	authed.Get("/queue/:jobId", chatHandler.GetJobStatus)
	authed.Delete("/queue/:jobId", chatHandler.CancelJob)
	authed.Get("/rate-limits/:action", chatHandler.GetRateLimit)

	admin := v1.Group("/admin", svc.requireAdminKey)
	admin.Delete("/rate-limits/:userId/:action", adminHandler.ResetRateLimit)
	admin.Post("/queue/cleanup", adminHandler.CleanupQueue)

	svc.server = app

	log.Printf("HTTP server listening on :%d", svc.port)
	return app.Listen(fmt.Sprintf(":%d", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

func (svc *HttpService) ping(c *fiber.Ctx) error {
	return shared.ResponseOK(c, "pong")
}

// requireAdminKey guards support endpoints with a static header key. An empty
// ADMIN_API_KEY disables the admin surface entirely.
func (svc *HttpService) requireAdminKey(c *fiber.Ctx) error {
	if svc.adminAPIKey == "" || c.Get("X-Admin-Key") != svc.adminAPIKey {
		return shared.ResponseUnauthorized(c)
	}
	return c.Next()
}

func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		if appErr.StatusCode >= 500 {
			log.WithFields(log.Fields{
				"path":   c.Path(),
				"status": appErr.StatusCode,
				"error":  err.Error(),
			}).Error("Request failed")
		}
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithFields(log.Fields{"path": c.Path(), "error": err.Error()}).Error("Unhandled error")
	return shared.ResponseInternalError(c, err)
}
