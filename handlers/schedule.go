package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

// ScheduleHandler exposes on-call computation and administration: shifts,
// rotation cycles, overrides, the effective schedule, and who-is-on-call.
type ScheduleHandler struct {
	Schedule  *services.ScheduleService
	Rotation  *services.RotationService
	Overrides *services.OverrideService
}

func NewScheduleHandler(schedule *services.ScheduleService, rotation *services.RotationService, overrides *services.OverrideService) *ScheduleHandler {
	return &ScheduleHandler{Schedule: schedule, Rotation: rotation, Overrides: overrides}
}

// parseWindow reads from/to query params, defaulting to the next 7 days.
func parseWindow(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now, now.Add(7*24*time.Hour)

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
	}
	return from, to, nil
}

// =============================================================================
// EFFECTIVE SCHEDULE
// =============================================================================

// GetEffectiveSchedule handles GET /groups/:id/schedule/effective
func (h *ScheduleHandler) GetEffectiveSchedule(c *gin.Context) {
	from, to, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from/to must be RFC 3339 timestamps"})
		return
	}

	segments, err := h.Schedule.EffectiveSchedule(c.Param("id"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute effective schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"segments": segments, "count": len(segments), "from": from, "to": to})
}

// GetCurrentOnCall handles GET /groups/:id/schedule/current
func (h *ScheduleHandler) GetCurrentOnCall(c *gin.Context) {
	at := time.Now().UTC()
	if v := c.Query("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be an RFC 3339 timestamp"})
			return
		}
		at = t
	}

	userID, err := h.Schedule.WhoIsOnCall(c.Param("id"), at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve on-call user"})
		return
	}
	if userID == "" {
		c.JSON(http.StatusOK, gin.H{"on_call": false, "at": at})
		return
	}
	c.JSON(http.StatusOK, gin.H{"on_call": true, "user_id": userID, "at": at})
}

// =============================================================================
// SHIFTS
// =============================================================================

// CreateShift handles POST /groups/:id/shifts
func (h *ScheduleHandler) CreateShift(c *gin.Context) {
	var req db.CreateShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	shift, err := h.Schedule.CreateShift(c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, shift)
}

// ListShifts handles GET /groups/:id/shifts
func (h *ScheduleHandler) ListShifts(c *gin.Context) {
	from, to, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from/to must be RFC 3339 timestamps"})
		return
	}

	shifts, err := h.Schedule.GetGroupShifts(c.Param("id"), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list shifts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shifts": shifts, "count": len(shifts)})
}

// DeleteShift handles DELETE /groups/:id/shifts/:shiftId
func (h *ScheduleHandler) DeleteShift(c *gin.Context) {
	if err := h.Schedule.DeactivateShift(c.Param("shiftId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Shift deactivated"})
}

// =============================================================================
// ROTATION CYCLES
// =============================================================================

// CreateRotationCycle handles POST /groups/:id/rotations
func (h *ScheduleHandler) CreateRotationCycle(c *gin.Context) {
	var req db.CreateRotationCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cycle, err := h.Rotation.CreateRotationCycle(c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cycle)
}

// ListRotationCycles handles GET /groups/:id/rotations
func (h *ScheduleHandler) ListRotationCycles(c *gin.Context) {
	cycles, err := h.Rotation.GetGroupRotationCycles(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rotation cycles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotations": cycles, "count": len(cycles)})
}

// GetRotationPreview handles GET /rotations/:rotationId/preview
func (h *ScheduleHandler) GetRotationPreview(c *gin.Context) {
	weeks, _ := strconv.Atoi(c.DefaultQuery("weeks", "4"))
	shifts, err := h.Rotation.GetRotationPreview(c.Param("rotationId"), weeks)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shifts": shifts, "count": len(shifts)})
}

// GetCurrentRotationMember handles GET /rotations/:rotationId/current
func (h *ScheduleHandler) GetCurrentRotationMember(c *gin.Context) {
	userID, err := h.Rotation.GetCurrentRotationMember(c.Param("rotationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID})
}

// DeleteRotationCycle handles DELETE /rotations/:rotationId
func (h *ScheduleHandler) DeleteRotationCycle(c *gin.Context) {
	if err := h.Rotation.DeactivateRotationCycle(c.Param("rotationId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rotation cycle deactivated"})
}

// =============================================================================
// OVERRIDES
// =============================================================================

// CreateOverride handles POST /groups/:id/overrides
func (h *ScheduleHandler) CreateOverride(c *gin.Context) {
	var req db.CreateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	createdBy := c.GetString("user_id")
	override, err := h.Overrides.CreateOverride(c.Param("id"), createdBy, req)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrSelfOverride):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Override user is already the base shift user"})
		case errors.Is(err, db.ErrInvalidOverrideWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, db.ErrOverrideOverlap):
			c.JSON(http.StatusConflict, gin.H{"error": "An override already covers part of this window"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, override)
}

// ListOverrides handles GET /groups/:id/overrides
func (h *ScheduleHandler) ListOverrides(c *gin.Context) {
	overrides, err := h.Overrides.ListOverrides(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list overrides"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides, "count": len(overrides)})
}

// DeleteOverride handles DELETE /groups/:id/overrides/:overrideId. Pure
// subtraction: the schedule recomputes to the base shifts.
func (h *ScheduleHandler) DeleteOverride(c *gin.Context) {
	if err := h.Overrides.DeleteOverride(c.Param("id"), c.Param("overrideId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Override deleted"})
}
