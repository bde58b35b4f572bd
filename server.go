package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vtmapdata/infra_backend/config"
	"github.com/vtmapdata/infra_backend/geocode"
	"github.com/vtmapdata/infra_backend/models"
	"github.com/vtmapdata/infra_backend/utils"
	"github.com/vtmapdata/infra_backend/workflow"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("infra-backend")

// batchValidate checks binding tags on documents that arrive outside gin's
// own binding path (Pub/Sub push payloads are base64 inside the envelope).
var batchValidate = func() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}()

// PubSubPushEnvelope is the push-subscription wrapper Google wraps around the
// detection batch document.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ApiResponse mirrors the envelope the frontend expects.
type ApiResponse struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// detectionPubSubHandler ingests one detection batch pushed by the analysis
// pipeline. Malformed envelopes/batches are acked (204) to avoid retry loops
// on poisoned messages; transient failures (geocoder, DB) return 500 so
// Pub/Sub redelivers.
func detectionPubSubHandler(geocoder geocode.Geocoder, riskTable config.RiskTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "bind envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var batch models.DetectionBatch
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(envelope.Message.Data, &batch); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "unmarshal batch", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}
		if err := batchValidate.Struct(&batch); err != nil {
			config.LogError(logger, "server.go", "detectionPubSubHandler", "validate batch", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "detection.ingest")
		defer span.End()
		items, err := workflow.ParseDetectionBatch(ctx, geocoder, riskTable, &batch)
		if err != nil {
			if errors.Is(err, utils.ErrMalformedBatch) {
				// Poison message: ack/drop, it will never parse.
				config.LogError(logger, "server.go", "detectionPubSubHandler", "malformed batch", batch.Info.ScheduleId, err)
				c.Status(http.StatusNoContent)
				return
			}
			c.JSON(http.StatusInternalServerError, ApiResponse{Message: err.Error()})
			return
		}

		c.JSON(http.StatusOK, ApiResponse{
			Message: "Parsed detection batch for schedule " + batch.Info.ScheduleId,
			Data:    len(items),
		})
	}
}

func ingestBatchHandler(geocoder geocode.Geocoder, riskTable config.RiskTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		var batch models.DetectionBatch
		if err := c.ShouldBindJSON(&batch); err != nil {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}

		items, err := workflow.ParseDetectionBatch(c.Request.Context(), geocoder, riskTable, &batch)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, utils.ErrMalformedBatch) {
				status = http.StatusBadRequest
			}
			c.JSON(status, ApiResponse{Message: err.Error()})
			return
		}

		c.JSON(http.StatusOK, ApiResponse{
			Message: "Parsed detection batch successfully",
			Data:    items,
		})
	}
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrProcessNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func registerProcessRoutes(r *gin.Engine) {
	group := r.Group("/api/infrastructures/process")

	group.GET("/:processId", func(c *gin.Context) {
		item, err := workflow.GetProcess(c.Request.Context(), c.Param("processId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get process successfully", Data: item})
	})

	group.POST("/:processId", func(c *gin.Context) {
		processId := c.Param("processId")
		item, err := workflow.ApproveProcess(c.Request.Context(), processId)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{
			Message: "Process infra object process successfully with id: " + processId,
			Data:    item,
		})
	})

	group.PATCH("/reject/:processId", func(c *gin.Context) {
		item, err := workflow.RejectProcess(c.Request.Context(), c.Param("processId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Reject process successfully", Data: item})
	})

	group.GET("/schedule", func(c *gin.Context) {
		items, err := workflow.FilterProcesses(c.Request.Context(),
			c.Query("scheduleId"), c.Query("status"), c.Query("processStatus"), c.Query("eventStatus"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get all process by schedule successfully", Data: items})
	})

	group.GET("/schedule/:scheduleId", func(c *gin.Context) {
		items, err := workflow.ListProcessesBySchedule(c.Request.Context(), c.Param("scheduleId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get all process by schedule successfully", Data: items})
	})

	group.POST("/schedule/:scheduleId", func(c *gin.Context) {
		summary, err := workflow.ApproveAllForSchedule(c.Request.Context(), c.Param("scheduleId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{
			Message: "Processed all pending items for schedule " + summary.ScheduleId,
			Data:    summary,
		})
	})
}

func registerInfraRoutes(r *gin.Engine, geocoder geocode.Geocoder) {
	group := r.Group("/api/infrastructures")

	group.GET("/:infraId", func(c *gin.Context) {
		obj, err := models.GetInfraObjectById(c.Request.Context(), config.GetDB(), c.Param("infraId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get infra object successfully", Data: obj})
	})

	group.GET("/:infraId/events", func(c *gin.Context) {
		events, err := models.ListEventsByObject(c.Request.Context(), config.GetDB(), c.Param("infraId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get events successfully", Data: events})
	})

	group.GET("/radius", func(c *gin.Context) {
		lat, latErr := strconv.ParseFloat(c.Query("latitude"), 64)
		lon, lonErr := strconv.ParseFloat(c.Query("longitude"), 64)
		if latErr != nil || lonErr != nil {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: "latitude and longitude are required"})
			return
		}
		radius := models.MatchRadiusMeters
		if v := c.Query("radius"); v != "" {
			r, err := strconv.ParseFloat(v, 64)
			if err != nil || r <= 0 {
				c.JSON(http.StatusBadRequest, ApiResponse{Message: "radius must be a positive number"})
				return
			}
			radius = r
		}
		items, err := workflow.FindNearbyObjects(c.Request.Context(), lat, lon, radius)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get objects within radius successfully", Data: items})
	})

	group.GET("/statistics", func(c *gin.Context) {
		cameraId := c.Query("cameraId")
		if cameraId == "" {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: "cameraId is required"})
			return
		}
		stats, err := models.GetInfraStatisticsByCamera(c.Request.Context(), config.GetDB(), cameraId)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get infra statistics successfully", Data: stats})
	})

	group.GET("/lost", func(c *gin.Context) {
		objects, err := models.GetLostInfraObjects(c.Request.Context(), config.GetDB())
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Get lost infra objects successfully", Data: objects})
	})

	group.POST("", func(c *gin.Context) {
		var req workflow.NewInfraRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}
		obj, err := workflow.CreateInfraObject(c.Request.Context(), geocoder, &req)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Create infra object successfully", Data: obj})
	})

	group.PUT("", func(c *gin.Context) {
		var req workflow.UpdateInfraRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}
		obj, err := workflow.UpdateInfraObject(c.Request.Context(), geocoder, &req)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Update infra object successfully", Data: obj})
	})

	group.DELETE("/:infraId", func(c *gin.Context) {
		if err := workflow.DeleteInfraObject(c.Request.Context(), c.Param("infraId")); err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Delete infra object successfully"})
	})

	group.POST("/:infraId/repair", func(c *gin.Context) {
		var body struct {
			Description string `json:"description"`
		}
		_ = c.ShouldBindJSON(&body)
		event, err := workflow.OpenRepair(c.Request.Context(), c.Param("infraId"), body.Description)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Open repair successfully", Data: event})
	})

	group.PATCH("/:infraId/repair/close", func(c *gin.Context) {
		event, err := workflow.CloseRepair(c.Request.Context(), c.Param("infraId"))
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{Message: "Close repair successfully", Data: event})
	})
}

func registerScheduleRoutes(r *gin.Engine) {
	r.POST("/api/infrastructures/public/schedule/end", func(c *gin.Context) {
		var req workflow.EndScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}
		summary, err := workflow.EndSchedule(c.Request.Context(), &req)
		if err != nil {
			c.JSON(statusFromError(err), ApiResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ApiResponse{
			Message: "Process end successfully, create log and save to storage",
			Data:    summary,
		})
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	riskTable, err := config.LoadRiskTable()
	if err != nil {
		log.Fatalf("load risk table: %v", err)
	}
	geocoder := geocode.NewCachedGeocoder(geocode.NewHTTPClient())

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(gin.Recovery())

	r.POST("/pubsub/detections", detectionPubSubHandler(geocoder, riskTable))
	r.POST("/api/infrastructures/batch", ingestBatchHandler(geocoder, riskTable))
	registerProcessRoutes(r)
	registerInfraRoutes(r, geocoder)
	registerScheduleRoutes(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if err := config.EnsureNotificationTopic(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("notification topic not ensured: " + err.Error())
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("shutdown: " + err.Error())
	}
}
