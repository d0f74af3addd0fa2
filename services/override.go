package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// OverrideService owns temporary reassignments layered on top of base
// shifts. Overrides never mutate the shift they reference; deletion is a
// soft-delete and a pure subtraction from the effective schedule.
type OverrideService struct {
	PG *sql.DB
}

func NewOverrideService(pg *sql.DB) *OverrideService {
	return &OverrideService{PG: pg}
}

// CreateOverride validates and stores one override for one shift.
// Rejections, all fail-closed:
//   - end <= start, or the window falls outside the shift interval
//   - new user equals the shift's base user (self-override)
//   - the window intersects an existing active override on the same shift
func (s *OverrideService) CreateOverride(groupID, createdBy string, req db.CreateOverrideRequest) (*db.ScheduleOverride, error) {
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("override end %s is not after start %s: %w",
			req.EndTime.Format(time.RFC3339), req.StartTime.Format(time.RFC3339), db.ErrInvalidOverrideWindow)
	}

	overrideType := req.OverrideType
	if overrideType == "" {
		overrideType = db.OverrideTypeTemporary
	}
	switch overrideType {
	case db.OverrideTypeTemporary, db.OverrideTypePermanent, db.OverrideTypeEmergency:
	default:
		return nil, fmt.Errorf("invalid override type %q", overrideType)
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var shiftGroupID, baseUserID string
	var shiftStart, shiftEnd time.Time
	err = tx.QueryRow(`
		SELECT group_id, user_id, start_time, end_time
		FROM shifts
		WHERE id = $1 AND is_active = true`, req.ShiftID).
		Scan(&shiftGroupID, &baseUserID, &shiftStart, &shiftEnd)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("shift not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shift: %w", err)
	}

	if shiftGroupID != groupID {
		return nil, fmt.Errorf("shift %s does not belong to group %s", req.ShiftID, groupID)
	}
	if req.NewUserID == baseUserID {
		return nil, fmt.Errorf("user %s already owns the shift: %w", baseUserID, db.ErrSelfOverride)
	}
	if req.StartTime.Before(shiftStart) || req.EndTime.After(shiftEnd) {
		return nil, fmt.Errorf("override window is outside the shift interval: %w", db.ErrInvalidOverrideWindow)
	}

	// Two overrides covering the same minute would make the effective
	// schedule ambiguous, so intersections are rejected at creation time.
	var overlapping int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM schedule_overrides
		WHERE shift_id = $1 AND is_active = true
		  AND start_time < $3 AND end_time > $2`,
		req.ShiftID, req.StartTime, req.EndTime).Scan(&overlapping)
	if err != nil {
		return nil, fmt.Errorf("failed to check for overlapping overrides: %w", err)
	}
	if overlapping > 0 {
		return nil, fmt.Errorf("shift %s already has an override in this window: %w", req.ShiftID, db.ErrOverrideOverlap)
	}

	override := db.ScheduleOverride{
		ID:           uuid.New().String(),
		ShiftID:      req.ShiftID,
		GroupID:      groupID,
		NewUserID:    req.NewUserID,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		OverrideType: overrideType,
		Reason:       req.Reason,
		IsActive:     true,
		CreatedBy:    createdBy,
	}

	err = tx.QueryRow(`
		INSERT INTO schedule_overrides (id, shift_id, group_id, new_user_id, start_time, end_time,
		                                override_type, reason, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at`,
		override.ID, override.ShiftID, override.GroupID, override.NewUserID,
		override.StartTime, override.EndTime, override.OverrideType,
		nullIfEmpty(override.Reason), override.IsActive, nullIfEmpty(override.CreatedBy)).
		Scan(&override.CreatedAt, &override.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create override: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit override: %w", err)
	}

	return &override, nil
}

// DeleteOverride soft-deletes one override. The base shift was never
// mutated, so the effective schedule recomputes to the pre-override state.
func (s *OverrideService) DeleteOverride(groupID, overrideID string) error {
	result, err := s.PG.Exec(`
		UPDATE schedule_overrides
		SET is_active = false, updated_at = NOW()
		WHERE id = $1 AND group_id = $2 AND is_active = true`,
		overrideID, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("override not found")
	}
	return nil
}

// ListOverrides returns the group's active overrides, soonest first.
func (s *OverrideService) ListOverrides(groupID string) ([]db.ScheduleOverride, error) {
	query := `
		SELECT o.id, o.shift_id, o.group_id, o.new_user_id, o.start_time, o.end_time,
		       o.override_type, COALESCE(o.reason, ''), o.is_active,
		       COALESCE(o.created_by::text, ''), o.created_at, o.updated_at,
		       COALESCE(u.name, '')
		FROM schedule_overrides o
		LEFT JOIN users u ON o.new_user_id = u.id
		WHERE o.group_id = $1 AND o.is_active = true
		ORDER BY o.start_time ASC`

	rows, err := s.PG.Query(query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []db.ScheduleOverride
	for rows.Next() {
		var o db.ScheduleOverride
		if err := rows.Scan(&o.ID, &o.ShiftID, &o.GroupID, &o.NewUserID,
			&o.StartTime, &o.EndTime, &o.OverrideType, &o.Reason, &o.IsActive,
			&o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.NewUserName); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}
