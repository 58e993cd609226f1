package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wuchris-ch/fundus-dx-ml/internal/auth"
	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/presenter"
	"github.com/wuchris-ch/fundus-dx-ml/internal/session"
	"github.com/wuchris-ch/fundus-dx-ml/internal/usecase"
)

// MaxUploadSize is the largest image accepted, in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers.
const multipartOverhead = 1 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DiagnosisUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)

	v1.POST("/sessions", func(c *gin.Context) {
		snap := uc.CreateSession(owner(c))
		c.JSON(http.StatusCreated, view(snap))
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		snap, err := uc.GetSession(owner(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view(snap))
	})

	v1.POST("/sessions/:id/file", func(c *gin.Context) {
		candidate, ok := readCandidate(c)
		if !ok {
			return
		}

		snap, accepted, err := uc.SelectFile(c.Request.Context(), owner(c), c.Param("id"), candidate)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": accepted, "session": view(snap)})
	})

	v1.POST("/sessions/:id/submit", func(c *gin.Context) {
		snap, err := uc.Submit(owner(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, view(snap))
	})

	v1.POST("/sessions/:id/reset", func(c *gin.Context) {
		snap, err := uc.Reset(c.Request.Context(), owner(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view(snap))
	})

	v1.GET("/sessions/:id/preview", func(c *gin.Context) {
		p, err := uc.Preview(c.Request.Context(), owner(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Data(http.StatusOK, previewContentType(p.ContentType), p.Data)
	})

	v1.GET("/sessions/:id/history", func(c *gin.Context) {
		logs, err := uc.History(c.Request.Context(), owner(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "submissions": logs})
	})

	v1.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := uc.CloseSession(c.Request.Context(), owner(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	v1.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func owner(c *gin.Context) string {
	subject, _ := auth.Subject(c.Request.Context())
	return subject
}

func view(snap session.Snapshot) presenter.SessionView {
	return presenter.Present(snap, fmt.Sprintf("/v1/sessions/%s/preview", snap.ID))
}

// previewContentType serves client-supplied types only when they are raster
// images; everything else is sent as opaque bytes.
func previewContentType(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if !strings.HasPrefix(mediaType, "image/") || mediaType == "image/svg+xml" {
		return "application/octet-stream"
	}
	return contentType
}

// readCandidate parses the multipart upload. It writes the error response
// itself and reports false when the request is unusable.
func readCandidate(c *gin.Context) (*diagnosis.ImageCandidate, bool) {
	if c.Request.ContentLength > MaxUploadSize+multipartOverhead {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}

	source, ok := diagnosis.ParseSource(c.PostForm("source"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be picker or drop"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}

	return &diagnosis.ImageCandidate{
		Filename: file.Filename,
		MIMEType: file.Header.Get("Content-Type"),
		Bytes:    data,
		Source:   source,
	}, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, usecase.ErrNoPreview):
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview available"})
	case errors.Is(err, session.ErrSubmissionInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "analysis already in progress"})
	case errors.Is(err, session.ErrNothingToSubmit):
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to submit"})
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": "session closed"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
