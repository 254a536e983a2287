package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gozale/safran-api/internal/apperr"
	"github.com/gozale/safran-api/internal/auth"
	"github.com/gozale/safran-api/internal/logging"
	"github.com/gozale/safran-api/internal/usecase"
)

const (
	// MaxUploadSize is the default per-file upload limit.
	MaxUploadSize = 10 << 20
	// MaxBatchFiles caps the number of files accepted by /predict-multiple.
	MaxBatchFiles = 16
)

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, authMiddleware gin.HandlerFunc, maxUploadSize int64) {
	if maxUploadSize <= 0 {
		maxUploadSize = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/predict", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
		file, err := c.FormFile("file")
		if err != nil {
			writeUploadError(c, err, "file is required")
			return
		}

		upload, err := readUpload(file)
		if err != nil {
			writeUploadError(c, err, "unable to read file")
			return
		}

		result, err := uc.HandleSingle(c.Request.Context(), ownerID, upload)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"result": result.Label})
	})

	protected.POST("/predict-multiple", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize*MaxBatchFiles)
		form, err := c.MultipartForm()
		if err != nil {
			writeUploadError(c, err, "files are required")
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			writeError(c, apperr.New(apperr.KindInvalidRequest, "files are required", nil))
			return
		}
		if len(files) > MaxBatchFiles {
			writeError(c, apperr.New(apperr.KindInvalidRequest,
				fmt.Sprintf("at most %d files are accepted", MaxBatchFiles), nil))
			return
		}

		uploads := make([]usecase.Upload, 0, len(files))
		for _, file := range files {
			if file.Size > maxUploadSize {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": file.Filename + " is too large", "kind": apperr.KindInvalidRequest})
				return
			}
			upload, err := readUpload(file)
			if err != nil {
				writeUploadError(c, err, "unable to read file")
				return
			}
			uploads = append(uploads, upload)
		}

		results, err := uc.HandleBatch(c.Request.Context(), ownerID, uploads)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"predictions": results})
	})

	protected.GET("/predictions", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}

		records, err := uc.ListPredictions(c.Request.Context(), ownerID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	})

	protected.GET("/predictions/:id", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}
		id, ok := predictionID(c)
		if !ok {
			return
		}

		record, err := uc.GetPrediction(c.Request.Context(), ownerID, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	})

	protected.GET("/predictions/:id/image", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}
		id, ok := predictionID(c)
		if !ok {
			return
		}

		img, err := uc.OpenImage(c.Request.Context(), ownerID, id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer img.Body.Close()

		contentType := img.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		ext := ".jpg"
		if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
			ext = m.Extension()
		}

		c.DataFromReader(http.StatusOK, img.Size, contentType, img.Body, map[string]string{
			"Content-Disposition": fmt.Sprintf("inline; filename=prediction_%d%s", id, ext),
		})
	})

	protected.GET("/stats", func(c *gin.Context) {
		ownerID, ok := ownerFromContext(c)
		if !ok {
			return
		}

		stats, err := uc.GetStats(c.Request.Context(), ownerID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": stats})
	})
}

// RegisterMetrics exposes gatherer on /metrics.
func RegisterMetrics(router *gin.Engine, gatherer prometheus.Gatherer) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func ownerFromContext(c *gin.Context) (string, bool) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		writeError(c, apperr.New(apperr.KindUnauthorized, "authentication required", nil))
		return "", false
	}
	return ownerID, true
}

// predictionID parses the :id parameter. Malformed ids are reported exactly
// like missing ones.
func predictionID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		writeError(c, apperr.NotFound("prediction"))
		return 0, false
	}
	return uint(id), true
}

func readUpload(file *multipart.FileHeader) (usecase.Upload, error) {
	src, err := file.Open()
	if err != nil {
		return usecase.Upload{}, err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return usecase.Upload{}, err
	}
	return usecase.Upload{Filename: file.Filename, Data: data}, nil
}

func writeUploadError(c *gin.Context, err error, message string) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large", "kind": apperr.KindInvalidRequest})
		return
	}
	writeError(c, apperr.New(apperr.KindInvalidRequest, message, err))
}

func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	body := gin.H{"error": apperr.MessageOf(err), "kind": kind}
	if requestID := logging.RequestIDFromContext(c.Request.Context()); requestID != "" {
		body["request_id"] = requestID
	}
	c.JSON(statusFor(kind), body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidRequest, apperr.KindUnsupportedFileType, apperr.KindPreprocess:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
