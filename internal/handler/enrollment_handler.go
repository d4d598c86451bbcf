package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sge-platform/enrollment-api/internal/models"
	"github.com/sge-platform/enrollment-api/internal/service"
	appErrors "github.com/sge-platform/enrollment-api/pkg/errors"
	"github.com/sge-platform/enrollment-api/pkg/response"
)

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments *service.EnrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments *service.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param sectionId query string false "Filter by section"
// @Param periodId query string false "Filter by period"
// @Param termId query string false "Filter by term"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.StudentID = c.Query("studentId")
	filter.SectionID = c.Query("sectionId")
	filter.PeriodID = c.Query("periodId")
	filter.TermID = c.Query("termId")
	filter.Status = models.EnrollmentStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get one enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	enrollment, err := h.enrollments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// EnrollBatch godoc
// @Summary Enroll a batch of students into a section
// @Description Rejects the whole batch when capacity would be exceeded or a student is already actively enrolled elsewhere in the period.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollBatchRequest true "Batch payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /enrollments/batch [post]
func (h *EnrollmentHandler) EnrollBatch(c *gin.Context) {
	var req service.EnrollBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.EnrollBatch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// WithdrawBatch godoc
// @Summary Withdraw a batch of enrollments
// @Description Processes each enrollment independently; unknown ids and per-section failures are reported without aborting the remainder.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.WithdrawBatchRequest true "Batch payload"
// @Success 200 {object} response.Envelope
// @Router /enrollments/withdraw [post]
func (h *EnrollmentHandler) WithdrawBatch(c *gin.Context) {
	var req service.WithdrawBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.enrollments.WithdrawBatch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// History godoc
// @Summary List a student's transfer history
// @Tags Enrollments
// @Produce json
// @Param id path string true "Student ID"
// @Param periodId query string false "Filter by period"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/history [get]
func (h *EnrollmentHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.enrollments.History(c.Request.Context(), c.Param("id"), c.Query("periodId"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}
