package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"breakdown-service-backend/internal/lifecycle"
	"breakdown-service-backend/internal/model"
	"breakdown-service-backend/internal/mw"
)

type locationBody struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type createServiceBody struct {
	BreakdownType string       `json:"breakdownType" binding:"required"`
	Description   string       `json:"description"`
	Location      locationBody `json:"location"`
	CategoryID    string       `json:"categoryId"`
	VehicleID     string       `json:"vehicleId"`
	SOS           bool         `json:"sos"`
}

// CreateService handles POST /api/service.
func (h *Handler) CreateService(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body createServiceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.engine.Create(c.Request.Context(), actor, lifecycle.CreateInput{
		BreakdownType: body.BreakdownType,
		Description:   body.Description,
		Latitude:      body.Location.Lat,
		Longitude:     body.Location.Lng,
		Address:       body.Location.Address,
		CategoryID:    body.CategoryID,
		VehicleID:     body.VehicleID,
		SOS:           body.SOS,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusCreated, req)
}

// ListServices handles GET /api/service. The server scopes the listing by the
// caller's role; clients cannot widen it.
func (h *Handler) ListServices(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	limit, _ := strconv.Atoi(c.Query("limit"))
	filter := lifecycle.ListFilter{
		Status: model.RequestStatus(c.Query("status")),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	requests, next, err := h.engine.List(c.Request.Context(), actor, filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"items": requests, "nextCursor": next})
}

// GetService handles GET /api/service/:id.
func (h *Handler) GetService(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	req, err := h.engine.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

// AcceptService handles PUT /api/service/:id/accept.
func (h *Handler) AcceptService(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	req, err := h.engine.Accept(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

type rejectBody struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectService handles PUT /api/service/:id/reject.
func (h *Handler) RejectService(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body rejectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.engine.Reject(c.Request.Context(), actor, c.Param("id"), body.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

type assignMechanicBody struct {
	MechanicID string `json:"mechanicId" binding:"required"`
}

// AssignMechanic handles PUT /api/service/:id/assign-mechanic.
func (h *Handler) AssignMechanic(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body assignMechanicBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.engine.AssignMechanic(c.Request.Context(), actor, c.Param("id"), body.MechanicID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

type estimateBody struct {
	Amount float64 `json:"amount" binding:"required"`
}

// SetEstimate handles PUT /api/service/:id/estimate.
func (h *Handler) SetEstimate(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body estimateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.engine.SetEstimate(c.Request.Context(), actor, c.Param("id"), body.Amount)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

// ApproveEstimate handles PUT /api/service/:id/estimate/approve.
func (h *Handler) ApproveEstimate(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	req, err := h.engine.ApproveEstimate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

type updateStatusBody struct {
	ToStatus string         `json:"toStatus" binding:"required"`
	Note     string         `json:"note"`
	Meta     map[string]any `json:"meta"`
}

// UpdateStatus handles PUT /api/service/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body updateStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	meta := ""
	if len(body.Meta) > 0 {
		raw, err := json.Marshal(body.Meta)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "meta is not serializable"})
			return
		}
		meta = string(raw)
	}

	req, err := h.engine.UpdateStatus(c.Request.Context(), actor, c.Param("id"),
		model.RequestStatus(body.ToStatus), body.Note, meta)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, req)
}

type noteBody struct {
	Note string `json:"note" binding:"required"`
}

// AddNote handles POST /api/service/:id/notes.
func (h *Handler) AddNote(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	var body noteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.engine.AddNote(c.Request.Context(), actor, c.Param("id"), body.Note)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusCreated, entry)
}

// GetTimeline handles GET /api/service/:id/timeline.
func (h *Handler) GetTimeline(c *gin.Context) {
	actor, _ := mw.ActorFrom(c)

	entries, err := h.engine.Timeline(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondData(c, http.StatusOK, entries)
}
