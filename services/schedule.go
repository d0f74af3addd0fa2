package services

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pagerloop/pagerloop/db"
)

// ScheduleService computes the effective on-call schedule for a group: base
// shifts (stored rows plus lazy rotation expansion) with active overrides
// punched through. The read path is side-effect free and safe under
// concurrent callers; nothing here mutates shifts or overrides.
type ScheduleService struct {
	PG       *sql.DB
	Rotation *RotationService
}

func NewScheduleService(pg *sql.DB, rotation *RotationService) *ScheduleService {
	return &ScheduleService{PG: pg, Rotation: rotation}
}

// =============================================================================
// OVERLAY ALGORITHM (pure)
// =============================================================================

// buildShiftSegments overlays a shift's overrides onto its interval, clipped
// to [from, to). Overrides are assumed non-overlapping (enforced at creation)
// and are clipped to the shift before splitting. A single override yields at
// most three segments: pre-override base, override, post-override base.
// Segments are contiguous, non-overlapping, and union back to the clipped
// shift interval exactly.
func buildShiftSegments(shift db.Shift, overrides []db.ScheduleOverride, from, to time.Time) []db.ScheduleSegment {
	start := shift.StartTime
	if start.Before(from) {
		start = from
	}
	end := shift.EndTime
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return nil
	}

	// Clip overrides to the visible part of the shift and drop empty ones.
	clipped := make([]db.ScheduleOverride, 0, len(overrides))
	for _, o := range overrides {
		os, oe := o.StartTime, o.EndTime
		if os.Before(start) {
			os = start
		}
		if oe.After(end) {
			oe = end
		}
		if oe.After(os) {
			o.StartTime, o.EndTime = os, oe
			clipped = append(clipped, o)
		}
	}
	sort.Slice(clipped, func(i, j int) bool {
		return clipped[i].StartTime.Before(clipped[j].StartTime)
	})

	var segments []db.ScheduleSegment
	cursor := start
	for _, o := range clipped {
		if o.StartTime.After(cursor) {
			segments = append(segments, db.ScheduleSegment{
				ShiftID:   shift.ID,
				GroupID:   shift.GroupID,
				UserID:    shift.UserID,
				StartTime: cursor,
				EndTime:   o.StartTime,
			})
		}
		segments = append(segments, db.ScheduleSegment{
			ShiftID:      shift.ID,
			GroupID:      shift.GroupID,
			UserID:       o.NewUserID,
			StartTime:    o.StartTime,
			EndTime:      o.EndTime,
			IsOverridden: true,
			OverrideID:   o.ID,
		})
		cursor = o.EndTime
	}
	if cursor.Before(end) {
		segments = append(segments, db.ScheduleSegment{
			ShiftID:   shift.ID,
			GroupID:   shift.GroupID,
			UserID:    shift.UserID,
			StartTime: cursor,
			EndTime:   end,
		})
	}

	return segments
}

// =============================================================================
// EFFECTIVE SCHEDULE
// =============================================================================

// EffectiveSchedule returns the ordered, non-overlapping on-call segments for
// the group over [from, to). Base coverage comes from stored shifts; rotation
// cycles that have not been materialized into shift rows for the window are
// expanded lazily and contribute un-overridable segments. Deleting an
// override and recomputing restores the base segments exactly; the base
// shift row is never touched.
func (s *ScheduleService) EffectiveSchedule(groupID string, from, to time.Time) ([]db.ScheduleSegment, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("schedule window end must be after start")
	}

	shifts, err := s.getShiftsInWindow(groupID, from, to)
	if err != nil {
		return nil, err
	}

	overridesByShift, err := s.getActiveOverridesForShifts(shifts, from, to)
	if err != nil {
		return nil, err
	}

	var segments []db.ScheduleSegment
	for _, shift := range shifts {
		segments = append(segments, buildShiftSegments(shift, overridesByShift[shift.ID], from, to)...)
	}

	// Rotation cycles without stored shift rows in the window still provide
	// base coverage.
	rotationSegments, err := s.expandUnmaterializedCycles(groupID, shifts, from, to)
	if err != nil {
		return nil, err
	}
	segments = append(segments, rotationSegments...)

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].StartTime.Before(segments[j].StartTime)
	})
	return segments, nil
}

// WhoIsOnCall resolves the effective on-call user at one instant: the
// override user when an active override covers the instant, else the base
// shift user, else the rotation member. Returns "" when nobody is on call.
func (s *ScheduleService) WhoIsOnCall(groupID string, instant time.Time) (string, error) {
	var shiftID, baseUser string
	query := `
		SELECT id, user_id FROM shifts
		WHERE group_id = $1 AND is_active = true
		  AND start_time <= $2 AND end_time > $2
		ORDER BY start_time DESC
		LIMIT 1`
	err := s.PG.QueryRow(query, groupID, instant).Scan(&shiftID, &baseUser)
	if err == sql.ErrNoRows {
		return s.rotationMemberAt(groupID, instant)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query current shift: %w", err)
	}

	var overrideUser string
	overrideQuery := `
		SELECT new_user_id FROM schedule_overrides
		WHERE shift_id = $1 AND is_active = true
		  AND start_time <= $2 AND end_time > $2
		LIMIT 1`
	err = s.PG.QueryRow(overrideQuery, shiftID, instant).Scan(&overrideUser)
	if err == sql.ErrNoRows {
		return baseUser, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query current override: %w", err)
	}
	return overrideUser, nil
}

func (s *ScheduleService) rotationMemberAt(groupID string, instant time.Time) (string, error) {
	cycles, err := s.Rotation.GetGroupRotationCycles(groupID)
	if err != nil {
		return "", err
	}
	for i := range cycles {
		if member := MemberAt(&cycles[i], instant); member != "" {
			return member, nil
		}
	}
	return "", nil
}

func (s *ScheduleService) getShiftsInWindow(groupID string, from, to time.Time) ([]db.Shift, error) {
	query := `
		SELECT s.id, s.group_id, s.user_id, s.start_time, s.end_time,
		       s.is_recurring, COALESCE(s.rotation_cycle_id::text, ''), s.is_active,
		       s.created_at, s.updated_at, COALESCE(u.name, '')
		FROM shifts s
		LEFT JOIN users u ON s.user_id = u.id
		WHERE s.group_id = $1 AND s.is_active = true
		  AND s.start_time < $3 AND s.end_time > $2
		ORDER BY s.start_time ASC`

	rows, err := s.PG.Query(query, groupID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var shifts []db.Shift
	for rows.Next() {
		var sh db.Shift
		if err := rows.Scan(&sh.ID, &sh.GroupID, &sh.UserID, &sh.StartTime, &sh.EndTime,
			&sh.IsRecurring, &sh.RotationCycleID, &sh.IsActive,
			&sh.CreatedAt, &sh.UpdatedAt, &sh.UserName); err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

func (s *ScheduleService) getActiveOverridesForShifts(shifts []db.Shift, from, to time.Time) (map[string][]db.ScheduleOverride, error) {
	result := make(map[string][]db.ScheduleOverride)
	if len(shifts) == 0 {
		return result, nil
	}

	query := `
		SELECT id, shift_id, group_id, new_user_id, start_time, end_time,
		       override_type, COALESCE(reason, ''), is_active, created_at, updated_at
		FROM schedule_overrides
		WHERE shift_id = ANY($1) AND is_active = true
		  AND start_time < $3 AND end_time > $2`

	ids := make([]string, len(shifts))
	for i, sh := range shifts {
		ids[i] = sh.ID
	}

	rows, err := s.PG.Query(query, pq.Array(ids), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o db.ScheduleOverride
		if err := rows.Scan(&o.ID, &o.ShiftID, &o.GroupID, &o.NewUserID,
			&o.StartTime, &o.EndTime, &o.OverrideType, &o.Reason,
			&o.IsActive, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		result[o.ShiftID] = append(result[o.ShiftID], o)
	}
	return result, rows.Err()
}

// expandUnmaterializedCycles adds lazy rotation coverage for cycles with no
// stored shift rows inside the window. Stored rows win because they can carry
// overrides.
func (s *ScheduleService) expandUnmaterializedCycles(groupID string, shifts []db.Shift, from, to time.Time) ([]db.ScheduleSegment, error) {
	materialized := make(map[string]bool)
	for _, sh := range shifts {
		if sh.RotationCycleID != "" {
			materialized[sh.RotationCycleID] = true
		}
	}

	cycles, err := s.Rotation.GetGroupRotationCycles(groupID)
	if err != nil {
		return nil, err
	}

	var segments []db.ScheduleSegment
	for i := range cycles {
		if materialized[cycles[i].ID] {
			continue
		}
		expanded, err := ExpandCycle(&cycles[i], from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to expand rotation cycle %s: %w", cycles[i].ID, err)
		}
		for _, rs := range expanded {
			segments = append(segments, db.ScheduleSegment{
				GroupID:   groupID,
				UserID:    rs.UserID,
				StartTime: rs.StartTime,
				EndTime:   rs.EndTime,
			})
		}
	}
	return segments, nil
}

// =============================================================================
// SHIFT CRUD
// =============================================================================

func (s *ScheduleService) CreateShift(groupID string, req db.CreateShiftRequest) (*db.Shift, error) {
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("shift end must be after start")
	}

	shift := db.Shift{
		ID:          uuid.New().String(),
		GroupID:     groupID,
		UserID:      req.UserID,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		IsRecurring: req.IsRecurring,
		IsActive:    true,
	}

	query := `
		INSERT INTO shifts (id, group_id, user_id, start_time, end_time, is_recurring, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := s.PG.QueryRow(query, shift.ID, shift.GroupID, shift.UserID,
		shift.StartTime, shift.EndTime, shift.IsRecurring, shift.IsActive).
		Scan(&shift.CreatedAt, &shift.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create shift: %w", err)
	}

	return &shift, nil
}

func (s *ScheduleService) GetShift(shiftID string) (*db.Shift, error) {
	var sh db.Shift
	query := `
		SELECT id, group_id, user_id, start_time, end_time, is_recurring,
		       COALESCE(rotation_cycle_id::text, ''), is_active, created_at, updated_at
		FROM shifts WHERE id = $1`
	err := s.PG.QueryRow(query, shiftID).Scan(&sh.ID, &sh.GroupID, &sh.UserID,
		&sh.StartTime, &sh.EndTime, &sh.IsRecurring, &sh.RotationCycleID,
		&sh.IsActive, &sh.CreatedAt, &sh.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("shift not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shift: %w", err)
	}
	return &sh, nil
}

func (s *ScheduleService) GetGroupShifts(groupID string, from, to time.Time) ([]db.Shift, error) {
	return s.getShiftsInWindow(groupID, from, to)
}

func (s *ScheduleService) DeactivateShift(shiftID string) error {
	result, err := s.PG.Exec(`UPDATE shifts SET is_active = false, updated_at = NOW() WHERE id = $1`, shiftID)
	if err != nil {
		return fmt.Errorf("failed to deactivate shift: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("shift not found")
	}
	return nil
}
