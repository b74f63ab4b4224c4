package handlers

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/usecase"
)

const (
	// ServiceName is reported by the root and health endpoints.
	ServiceName = "Face Recognition Server"
	// ServiceVersion is reported by the root and health endpoints.
	ServiceVersion = "1.0.0"
)

// DefaultMaxUploadBytes bounds request bodies when no limit is configured.
const DefaultMaxUploadBytes int64 = 10 << 20

type registerRequest struct {
	UserID gallery.UserID `json:"user_id"`
	Photo  string         `json:"photo"`
}

type recognizeRequest struct {
	Photo string `json:"photo"`
}

type faceSummary struct {
	UserID        gallery.UserID `json:"user_id"`
	RegisteredAt  *time.Time     `json:"registered_at"`
	EncodingCount int            `json:"encoding_count"`
}

type handler struct {
	uc     *usecase.FaceUseCase
	logger *zap.Logger
}

// RegisterRoutes wires the middleware chain and HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.FaceUseCase, logger *zap.Logger, maxUploadBytes int64) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	h := &handler{uc: uc, logger: logger.Named("http")}

	router.HandleMethodNotAllowed = true
	router.Use(
		RequestID(),
		Recovery(h.logger),
		RequestLogger(h.logger),
		CORS(),
		BodyLimit(maxUploadBytes),
	)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Endpoint not found"})
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "message": "Method not allowed"})
	})

	router.GET("/", h.index)
	router.GET("/health", h.health)
	router.POST("/register-face", h.registerFace)
	router.POST("/recognize", h.recognize)
	router.GET("/status/:user_id", h.status)
	router.DELETE("/face/:user_id", h.deleteFace)
	router.GET("/faces", h.listFaces)
	router.GET("/stats", h.stats)
}

func (h *handler) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    ServiceName,
		"version": ServiceVersion,
		"status":  "running",
		"endpoints": gin.H{
			"health":    "GET /health",
			"register":  "POST /register-face",
			"recognize": "POST /recognize",
			"status":    "GET /status/{user_id}",
			"delete":    "DELETE /face/{user_id}",
			"faces":     "GET /faces",
			"stats":     "GET /stats",
		},
		"timestamp": h.timestamp(),
	})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                "online",
		"service":               ServiceName,
		"version":               ServiceVersion,
		"timestamp":             h.timestamp(),
		"registered_faces":      h.uc.RegisteredFaces(),
		"face_data_dir":         h.uc.DataDir(),
		"recognition_tolerance": h.uc.Tolerance(),
	})
}

func (h *handler) registerFace(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	if req.UserID == "" || req.Photo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Missing required fields: user_id and photo"})
		return
	}

	rec, err := h.uc.RegisterFace(c.Request.Context(), RequestIDFrom(c), string(req.UserID), req.Photo)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Face registered successfully",
		"user_id":       gallery.UserID(rec.UserID),
		"registered_at": rec.RegisteredAt.Format(time.RFC3339Nano),
	})
}

func (h *handler) recognize(c *gin.Context) {
	var req recognizeRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Photo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Missing required field: photo"})
		return
	}

	match, err := h.uc.RecognizeFace(c.Request.Context(), RequestIDFrom(c), req.Photo)
	if errors.Is(err, gallery.ErrEmptyGallery) || errors.Is(err, gallery.ErrNoMatch) {
		c.JSON(http.StatusNotFound, gin.H{
			"success":    false,
			"message":    publicMessage(err),
			"user_id":    "unknown",
			"confidence": 0.0,
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "Face recognized successfully",
		"user_id":       gallery.UserID(match.UserID),
		"confidence":    roundTo(match.Confidence, 4),
		"recognized_at": h.timestamp(),
	})
}

func (h *handler) status(c *gin.Context) {
	userID := c.Param("user_id")
	st, err := h.uc.Status(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var lastUpdated interface{}
	if st.LastUpdated != nil {
		lastUpdated = st.LastUpdated.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"user_id":        gallery.UserID(userID),
		"registered":     st.Registered,
		"last_updated":   lastUpdated,
		"encoding_count": st.EncodingCount,
	})
}

func (h *handler) deleteFace(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.uc.DeleteFace(c.Request.Context(), RequestIDFrom(c), userID); err != nil {
		// No face can be stored under an id that fails validation.
		if errors.Is(err, gallery.ErrInvalidUserID) {
			err = gallery.ErrNotFound
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Face data deleted successfully",
		"user_id": gallery.UserID(userID),
	})
}

func (h *handler) listFaces(c *gin.Context) {
	records := h.uc.ListFaces(c.Request.Context())
	faces := make([]faceSummary, 0, len(records))
	for _, rec := range records {
		summary := faceSummary{UserID: gallery.UserID(rec.UserID), EncodingCount: rec.EncodingCount}
		if !rec.RegisteredAt.IsZero() {
			registeredAt := rec.RegisteredAt
			summary.RegisteredAt = &registeredAt
		}
		faces = append(faces, summary)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total": len(faces), "faces": faces})
}

func (h *handler) stats(c *gin.Context) {
	stats, err := h.uc.GetStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// bind decodes the JSON body into dst and writes the error response itself
// when decoding fails.
func (h *handler) bind(c *gin.Context, dst interface{}) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "Request body too large"})
		return false
	}
	logging.WithOperation(h.logger, "http.bind", RequestIDFrom(c)).Info("invalid request body", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid JSON body"})
	return false
}

func (h *handler) timestamp() string {
	return h.uc.Now().Format(time.RFC3339Nano)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
