package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"go.ngs.io/gridview-api/internal/usecase"
)

// RouterConfig holds the router settings.
type RouterConfig struct {
	UploadDir      string
	PublicDir      string
	MaxUploadBytes int64
	// AllowedOrigins lists CORS origins; empty allows all origins.
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// SetupRouter creates and configures the Gin router.
func SetupRouter(datasetUC *usecase.DatasetUseCase, cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(requestLogger(log), gin.Recovery())

	// Setup CORS middleware.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Multipart bodies beyond this are spooled to disk.
	router.MaxMultipartMemory = 32 << 20

	handler := NewHandler(datasetUC, cfg.UploadDir, cfg.MaxUploadBytes, log)

	api := router.Group("/api")
	api.POST("/upload", handler.Upload)
	api.POST("/load-url", handler.LoadURL)
	api.GET("/data/:fileId/:variableName", handler.GetData)
	api.GET("/data/:fileId/:variableName/arrow", handler.GetDataArrow)
	api.GET("/variable/:fileId/:variableName/info", handler.GetVariableInfo)
	api.DELETE("/file/:fileId", handler.DeleteFile)
	api.GET("/health", handler.HealthCheck)

	// Health check.
	router.GET("/health", handler.HealthCheck)

	// Front-end.
	if cfg.PublicDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.PublicDir))))
	}

	return router
}

// requestLogger logs one line per request through logrus.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
			"client":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("Request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request handled")
		}
	}
}
