package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sge-platform/enrollment-api/internal/service"
	"github.com/sge-platform/enrollment-api/pkg/response"
)

// TermHandler exposes term resolution endpoints.
type TermHandler struct {
	terms *service.TermService
}

// NewTermHandler constructs TermHandler.
func NewTermHandler(terms *service.TermService) *TermHandler {
	return &TermHandler{terms: terms}
}

// Active godoc
// @Summary Resolve the active term
// @Description Fails with 412 when zero or multiple terms are ACTIVE or the owning period is not open.
// @Tags Terms
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /terms/active [get]
func (h *TermHandler) Active(c *gin.Context) {
	term, err := h.terms.GetActiveTerm(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, term, nil)
}
