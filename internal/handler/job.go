// Package handler exposes the job lifecycle over HTTP.
package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/audioscore/api/internal/artifact"
	"github.com/audioscore/api/internal/ingest"
	"github.com/audioscore/api/internal/model"
	"github.com/audioscore/api/internal/service"
	"github.com/audioscore/api/internal/store"
	"github.com/audioscore/api/pkg/response"
)

// mimeTypes maps result file extensions to download content types.
var mimeTypes = map[string]string{
	".pdf":      "application/pdf",
	".musicxml": "application/vnd.recordare.musicxml+xml",
	".mid":      "audio/midi",
}

type JobHandler struct {
	svc            *service.JobService
	validate       *validator.Validate
	maxUploadBytes int64
}

func NewJobHandler(svc *service.JobService, maxUploadMB int) *JobHandler {
	return &JobHandler{
		svc:            svc,
		validate:       validator.New(),
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// SubmitUpload handles POST /api/jobs/upload.
func (h *JobHandler) SubmitUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "Missing file field", nil)
	}
	if fileHeader.Size > h.maxUploadBytes {
		return response.PayloadTooLarge(c, "Uploaded file exceeds the size limit")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to read upload")
	}
	defer f.Close()

	job, err := h.svc.SubmitUpload(c.Context(), fileHeader.Filename, f)
	if err != nil {
		if errors.Is(err, ingest.ErrUnsupportedFormat) {
			return response.ValidationError(c, "Unsupported audio format", err.Error())
		}
		return response.ServiceError(c, "Failed to create job")
	}
	return response.Accepted(c, model.SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// SubmitLink handles POST /api/jobs/link.
func (h *JobHandler) SubmitLink(c *fiber.Ctx) error {
	var req model.SubmitLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validate.Struct(req); err != nil {
		return response.ValidationError(c, "Validation failed", err.Error())
	}

	job, err := h.svc.SubmitLink(c.Context(), req.URL)
	if err != nil {
		if errors.Is(err, ingest.ErrDownloadFailed) || errors.Is(err, ingest.ErrUnsupportedFormat) {
			return response.ValidationError(c, "Could not fetch audio from link", err.Error())
		}
		return response.ServiceError(c, "Failed to create job")
	}
	return response.Accepted(c, model.SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// GetStatus handles GET /api/jobs/:jobId.
func (h *JobHandler) GetStatus(c *fiber.Ctx) error {
	status, err := h.svc.GetStatus(c.Context(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}
	return response.OK(c, status)
}

// GetResult handles GET /api/jobs/:jobId/result.
func (h *JobHandler) GetResult(c *fiber.Ctx) error {
	result, err := h.svc.GetResult(c.Context(), c.Params("jobId"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNotReady):
			return response.Conflict(c, "Job has not finished successfully")
		default:
			return response.ServiceError(c, "Failed to load result")
		}
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel.
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	ack, err := h.svc.Cancel(c.Context(), c.Params("jobId"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrAlreadyTerminal):
			return response.Conflict(c, "Job already finished")
		default:
			return response.ServiceError(c, "Failed to cancel job")
		}
	}
	return response.Accepted(c, ack)
}

// Download handles GET /api/download/:jobId/:filename.
func (h *JobHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	filename := c.Params("filename")

	path, err := h.svc.ResultFilePath(c.Context(), jobID, filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, artifact.ErrNotFound) {
			return response.NotFound(c, "File not found")
		}
		return response.ServiceError(c, "Failed to resolve file")
	}

	for ext, mime := range mimeTypes {
		if len(filename) > len(ext) && filename[len(filename)-len(ext):] == ext {
			c.Set(fiber.HeaderContentType, mime)
			break
		}
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.SendFile(path)
}

// Health handles GET /health.
func (h *JobHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"status": "ok"})
}
