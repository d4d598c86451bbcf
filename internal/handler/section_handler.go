package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/service"
	"github.com/sge-platform/enrollment-api/pkg/response"
)

// SectionHandler exposes section registry endpoints.
type SectionHandler struct {
	sections  *service.SectionService
	reconcile *service.ReconcileService
}

// NewSectionHandler constructs SectionHandler.
func NewSectionHandler(sections *service.SectionService, reconcile *service.ReconcileService) *SectionHandler {
	return &SectionHandler{sections: sections, reconcile: reconcile}
}

// List godoc
// @Summary List sections
// @Tags Sections
// @Produce json
// @Param periodId query string false "Filter by period"
// @Param level query string false "Filter by level"
// @Param grade query string false "Filter by grade"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sections [get]
func (h *SectionHandler) List(c *gin.Context) {
	var filter models.SectionFilter
	filter.PeriodID = c.Query("periodId")
	filter.Level = c.Query("level")
	filter.Grade = c.Query("grade")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	sections, pagination, err := h.sections.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sections, pagination)
}

// Get godoc
// @Summary Get one section
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Success 200 {object} response.Envelope
// @Router /sections/{id} [get]
func (h *SectionHandler) Get(c *gin.Context) {
	section, err := h.sections.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, section, nil)
}

// Roster godoc
// @Summary Get a section's roster
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Success 200 {object} response.Envelope
// @Router /sections/{id}/roster [get]
func (h *SectionHandler) Roster(c *gin.Context) {
	roster, err := h.sections.Roster(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"section_id": c.Param("id"), "roster_ids": roster, "enrolled_count": len(roster)}, nil)
}

// Reconcile godoc
// @Summary Rebuild a section's roster projection from enrollment rows
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Param async query bool false "Queue the repair instead of running it inline"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /sections/{id}/reconcile [post]
func (h *SectionHandler) Reconcile(c *gin.Context) {
	sectionID := c.Param("id")
	if c.Query("async") == "true" {
		if err := h.reconcile.Enqueue(sectionID); err != nil {
			response.Error(c, err)
			return
		}
		response.Accepted(c, gin.H{"section_id": sectionID, "queued": true})
		return
	}
	report, err := h.reconcile.Reconcile(c.Request.Context(), sectionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
