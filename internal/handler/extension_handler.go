package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sits-bridge-api/internal/dto"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/service"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/export"
	"github.com/noah-isme/sits-bridge-api/pkg/response"
)

// QueueLogStore lists queue processing outcomes.
type QueueLogStore interface {
	List(ctx context.Context, filter models.ProcessingLogFilter) ([]models.ProcessingLog, int, error)
}

// ExtensionHandler exposes the accommodation admin endpoints: resync, the
// Moodle-side hooks, the override ledger and the queue log.
type ExtensionHandler struct {
	sync      *service.SyncService
	ext       *service.ExtensionService
	queueLog  QueueLogStore
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
}

// NewExtensionHandler constructs the handler.
func NewExtensionHandler(sync *service.SyncService, ext *service.ExtensionService, queueLog QueueLogStore) *ExtensionHandler {
	return &ExtensionHandler{
		sync:     sync,
		ext:      ext,
		queueLog: queueLog,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
	}
}

// Resync replays authoritative accommodation data for a component grade or
// a single student.
func (h *ExtensionHandler) Resync(c *gin.Context) {
	var req dto.ResyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	var applied int
	var err error
	switch {
	case req.MapCode != "" && req.MabSeq > 0:
		applied, err = h.sync.ResyncComponent(c.Request.Context(), req.MapCode, req.MabSeq)
	case req.StudentCode != "":
		applied, err = h.sync.ResyncStudent(c.Request.Context(), req.StudentCode)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "either mapcode+mabseq or student_code is required"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"applied": applied}, nil)
}

// EnrolmentHook handles the Moodle callback fired when a user is enrolled.
func (h *ExtensionHandler) EnrolmentHook(c *gin.Context) {
	var req dto.EnrolmentHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	applied, err := h.sync.ResyncEnrolment(c.Request.Context(), req.UserID, req.CourseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"applied": applied}, nil)
}

// MappingHook handles the Moodle callback fired when an activity is mapped
// or re-enabled for extensions.
func (h *ExtensionHandler) MappingHook(c *gin.Context) {
	var req dto.MappingHookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	applied, err := h.sync.ResyncMapping(c.Request.Context(), req.MappingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"applied": applied}, nil)
}

// ListOverrides pages through the saved-override ledger.
func (h *ExtensionHandler) ListOverrides(c *gin.Context) {
	var query dto.OverrideQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}

	filter := models.OverrideFilter{
		MappingID: query.MappingID,
		UserID:    query.UserID,
		Type:      models.ExtensionType(query.Type),
		Page:      query.Page,
		PageSize:  query.PageSize,
	}
	if query.Active != nil {
		restored := !*query.Active
		filter.Restored = &restored
	}

	records, total, err := h.ext.ListOverrides(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, models.NewPagination(filter.Page, filter.PageSize, total))
}

// QueueLog pages through queue processing outcomes.
func (h *ExtensionHandler) QueueLog(c *gin.Context) {
	var query dto.QueueLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}

	logs, total, err := h.queueLog.List(c.Request.Context(), models.ProcessingLogFilter{
		QueueName:   query.Queue,
		StudentCode: query.StudentCode,
		AstCode:     query.AstCode,
		Status:      query.Status,
		Page:        query.Page,
		PageSize:    query.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, models.NewPagination(query.Page, query.PageSize, total))
}

// ExportQueueLog renders the filtered queue log as CSV or PDF.
func (h *ExtensionHandler) ExportQueueLog(c *gin.Context) {
	var query dto.QueueLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "pdf" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}

	if query.PageSize <= 0 {
		query.PageSize = 200
	}
	logs, _, err := h.queueLog.List(c.Request.Context(), models.ProcessingLogFilter{
		QueueName:   query.Queue,
		StudentCode: query.StudentCode,
		AstCode:     query.AstCode,
		Status:      query.Status,
		Page:        query.Page,
		PageSize:    query.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	dataset := export.Dataset{
		Headers: []string{"Queue", "Student", "AstCode", "Event Time", "Status", "Reason"},
	}
	for _, log := range logs {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Queue":      log.QueueName,
			"Student":    log.StudentCode,
			"AstCode":    log.AstCode,
			"Event Time": log.EventTime.UTC().Format(time.RFC3339),
			"Status":     log.Status,
			"Reason":     log.Reason,
		})
	}

	filename := "queue-log-" + time.Now().UTC().Format("20060102-150405")
	switch format {
	case "csv":
		payload, err := h.csv.Render(dataset)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", filename))
		c.Data(http.StatusOK, "text/csv", payload)
	case "pdf":
		payload, err := h.pdf.Render(dataset, "Queue Processing Log")
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pdf", filename))
		c.Data(http.StatusOK, "application/pdf", payload)
	}
}
