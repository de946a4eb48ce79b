package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sits-bridge-api/internal/dto"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/service"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/response"
)

// MappingHandler exposes mapping lifecycle and grade-push endpoints.
type MappingHandler struct {
	mappings *service.MappingService
	push     *service.PushService
}

// NewMappingHandler constructs the handler. push may be nil when grade
// transfer is disabled.
func NewMappingHandler(mappings *service.MappingService, push *service.PushService) *MappingHandler {
	return &MappingHandler{mappings: mappings, push: push}
}

// Create registers a mapping.
func (h *MappingHandler) Create(c *gin.Context) {
	var req dto.CreateMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.mappings.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, detail)
}

// List pages through mappings.
func (h *MappingHandler) List(c *gin.Context) {
	var query dto.MappingQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}

	mappings, pagination, err := h.mappings.List(c.Request.Context(), models.MappingFilter{
		CourseID:   query.CourseID,
		ModuleName: query.Module,
		AstCode:    query.AstCode,
		Page:       query.Page,
		PageSize:   query.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, mappings, pagination)
}

// Get returns one mapping with its component grade.
func (h *MappingHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid mapping id"))
		return
	}
	detail, err := h.mappings.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Delete removes a mapping and tears down its accommodations.
func (h *MappingHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid mapping id"))
		return
	}
	if err := h.mappings.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Push schedules a grade transfer run for a mapping.
func (h *MappingHandler) Push(c *gin.Context) {
	if h.push == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "grade push is disabled"))
		return
	}
	var req dto.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if _, err := h.mappings.Get(c.Request.Context(), req.MappingID); err != nil {
		response.Error(c, err)
		return
	}
	if err := h.push.EnqueuePush(req.MappingID); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"queued": true}, nil)
}
