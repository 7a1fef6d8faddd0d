package http

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go.ngs.io/gridview-api/internal/adapter/arrowio"
	"go.ngs.io/gridview-api/internal/domain"
	"go.ngs.io/gridview-api/internal/usecase"
)

// Multipart field names accepted by the upload endpoint.
var uploadFields = []string{"netcdf", "file"}

// multipartOverhead is allowed on top of the file size limit for form
// boundaries and headers.
const multipartOverhead = 1 << 20

// Handler handles HTTP requests for dataset uploads and sampling.
type Handler struct {
	datasetUC      *usecase.DatasetUseCase
	uploadDir      string
	maxUploadBytes int64
	log            logrus.FieldLogger
}

// NewHandler creates a new HTTP handler.
func NewHandler(datasetUC *usecase.DatasetUseCase, uploadDir string, maxUploadBytes int64, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		datasetUC:      datasetUC,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
}

// Upload handles POST /api/upload.
func (h *Handler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	file, err := h.formFile(c)
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large"})
		return
	}

	//nolint:gosec // G301: Upload directory is owned by the server.
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.log.WithError(err).Error("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	dst := filepath.Join(h.uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		_ = os.Remove(dst)
		h.log.WithError(err).Error("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save upload"})
		return
	}

	resp, err := h.datasetUC.Upload(c.Request.Context(), usecase.UploadRequest{
		Path:     dst,
		Filename: file.Filename,
		Size:     file.Size,
	})
	if err != nil {
		h.respondError(c, "Failed to process file", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var lastErr error
	for _, field := range uploadFields {
		file, err := c.FormFile(field)
		if err == nil {
			return file, nil
		}
		if isTooLarge(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// LoadURLRequest is the body of POST /api/load-url.
type LoadURLRequest struct {
	URL string `json:"url" binding:"required"`
}

// LoadURL handles POST /api/load-url.
func (h *Handler) LoadURL(c *gin.Context) {
	var req LoadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	resp, err := h.datasetUC.LoadURL(c.Request.Context(), req.URL)
	if err != nil {
		h.respondError(c, "Failed to load dataset", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetData handles GET /api/data/:fileId/:variableName.
func (h *Handler) GetData(c *gin.Context) {
	resp, ok := h.visualize(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetDataArrow handles GET /api/data/:fileId/:variableName/arrow.
func (h *Handler) GetDataArrow(c *gin.Context) {
	resp, ok := h.visualize(c)
	if !ok {
		return
	}

	c.Header("Content-Type", arrowio.ContentType)
	c.Status(http.StatusOK)
	header := arrowio.Header{
		Variable: resp.Variable.Name,
		Units:    domain.Variable{Attributes: resp.Variable.Attributes}.StringAttr("units"),
	}
	if err := arrowio.WriteStream(c.Writer, header, resp.Data, resp.Statistics); err != nil {
		// Headers are already sent.
		h.log.WithError(err).Error("Failed to stream arrow data")
	}
}

func (h *Handler) visualize(c *gin.Context) (*usecase.VisualizeResponse, bool) {
	maxPoints := 0
	if raw := c.Query("maxPoints"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(c, "Failed to extract data", fmt.Errorf("%w: %q", domain.ErrInvalidMaxPoints, raw))
			return nil, false
		}
		maxPoints = n
	}

	resp, err := h.datasetUC.Visualize(c.Request.Context(), c.Param("fileId"), c.Param("variableName"), maxPoints)
	if err != nil {
		h.respondError(c, "Failed to extract data", err)
		return nil, false
	}
	return resp, true
}

// GetVariableInfo handles GET /api/variable/:fileId/:variableName/info.
func (h *Handler) GetVariableInfo(c *gin.Context) {
	resp, err := h.datasetUC.VariableInfo(c.Param("fileId"), c.Param("variableName"))
	if err != nil {
		h.respondError(c, "Failed to get variable info", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteFile handles DELETE /api/file/:fileId.
func (h *Handler) DeleteFile(c *gin.Context) {
	if err := h.datasetUC.Delete(c.Param("fileId")); err != nil {
		h.respondError(c, "Failed to delete file", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted successfully"})
}

// HealthCheck handles GET /health and /api/health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"activeFiles": h.datasetUC.ActiveCount(),
	})
}

// respondError maps pipeline errors to a status code and message.
func (h *Handler) respondError(c *gin.Context, action string, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"path": c.Request.URL.Path,
		}).WithError(err).Error(action)
		msg = action + ": " + err.Error()
	}
	c.JSON(status, gin.H{"error": msg})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrDatasetNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, domain.ErrVariableNotFound):
		return http.StatusNotFound, "Variable not found"
	case errors.Is(err, domain.ErrCoordinatesUnresolved):
		return http.StatusBadRequest, "Coordinate variables not found"
	case errors.Is(err, domain.ErrUnsupportedDimensions):
		return http.StatusBadRequest, "Unsupported variable dimensions"
	case errors.Is(err, domain.ErrEmptyValidData):
		return http.StatusBadRequest, "No valid data points"
	case errors.Is(err, domain.ErrShapeMismatch),
		errors.Is(err, domain.ErrInvalidMaxPoints),
		errors.Is(err, usecase.ErrUnsupportedFormat),
		errors.Is(err, usecase.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
