package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/service"
	"github.com/dsmui/api/internal/speech"
	"github.com/dsmui/api/pkg/response"
)

type SpeechHandler struct {
	service   *service.SpeechService
	validator *validator.Validate
}

func NewSpeechHandler(svc *service.SpeechService, v *validator.Validate) *SpeechHandler {
	return &SpeechHandler{
		service:   svc,
		validator: v,
	}
}

// TTS handles POST /api/tts
func (h *SpeechHandler) TTS(c *fiber.Ctx) error {
	var req model.TTSRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Synthesize(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// STT handles POST /api/stt
func (h *SpeechHandler) STT(c *fiber.Ctx) error {
	var req model.STTRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.TranscribeSample(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// STTUpload handles POST /api/stt-upload
func (h *SpeechHandler) STTUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("audio")
	if err != nil {
		return response.ValidationError(c, "No audio file provided", nil)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to read audio file")
	}
	defer file.Close()

	result, err := h.service.TranscribeUpload(c.UserContext(), fileHeader.Filename, file, c.FormValue("model"))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Progress handles GET /api/progress/:sessionId
func (h *SpeechHandler) Progress(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	session, err := h.service.GetProgress(c.UserContext(), sessionID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, session)
}

// Cancel handles POST /api/cancel/:sessionId
func (h *SpeechHandler) Cancel(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	result, err := h.service.Cancel(c.UserContext(), sessionID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// TestFile handles GET /api/test-file/:filename
func (h *SpeechHandler) TestFile(c *fiber.Ctx) error {
	result, err := h.service.TestFile(c.Params("filename"))
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			return response.NotFound(c, "Test file not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cleanup handles POST /api/cleanup
func (h *SpeechHandler) Cleanup(c *fiber.Ctx) error {
	result, err := h.service.Cleanup(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Audio handles GET /audio/:filename
func (h *SpeechHandler) Audio(c *fiber.Ctx) error {
	path, err := h.service.AudioPath(c.Params("filename"))
	if err != nil {
		return response.NotFound(c, "Audio file not found")
	}

	return c.SendFile(path)
}

func serviceError(c *fiber.Ctx, err error) error {
	var cmdErr *speech.CommandError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return response.SessionNotFound(c)
	case errors.Is(err, service.ErrFileNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, speech.ErrTimeout), errors.As(err, &cmdErr):
		return response.EngineError(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
