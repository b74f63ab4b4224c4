package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/imageprocessor"
	"github.com/example/face-attendance/internal/logging"
)

type errorResponse struct {
	status  int
	message string
}

// errorStatus maps domain errors to HTTP responses. Anything not listed is an
// internal error.
var errorStatus = []struct {
	target error
	resp   errorResponse
}{
	{imageprocessor.ErrInvalidImage, errorResponse{http.StatusBadRequest, "Invalid image format"}},
	{imageprocessor.ErrNoFace, errorResponse{http.StatusBadRequest, "No face detected in image"}},
	{imageprocessor.ErrMultipleFaces, errorResponse{http.StatusBadRequest, "Multiple faces detected. Please ensure only one face is visible"}},
	{gallery.ErrInvalidUserID, errorResponse{http.StatusBadRequest, "Invalid user id"}},
	{gallery.ErrInvalidEmbedding, errorResponse{http.StatusBadRequest, "Could not generate face encoding"}},
	{gallery.ErrEmptyGallery, errorResponse{http.StatusNotFound, "No registered faces found"}},
	{gallery.ErrNoMatch, errorResponse{http.StatusNotFound, "Face not recognized"}},
	{gallery.ErrNotFound, errorResponse{http.StatusNotFound, "No face data found for user"}},
}

var internalError = errorResponse{http.StatusInternalServerError, "Internal server error"}

func lookupError(err error) (errorResponse, bool) {
	for _, entry := range errorStatus {
		if errors.Is(err, entry.target) {
			return entry.resp, true
		}
	}
	return internalError, false
}

func publicMessage(err error) string {
	resp, _ := lookupError(err)
	return resp.message
}

func (h *handler) writeError(c *gin.Context, err error) {
	resp, known := lookupError(err)
	if !known {
		operation := logging.OperationOf(err)
		if operation == "" {
			operation = c.FullPath()
		}
		logging.WithOperation(h.logger, operation, RequestIDFrom(c)).Error("request failed", zap.Error(err))
	}
	c.JSON(resp.status, gin.H{"success": false, "message": resp.message})
}
