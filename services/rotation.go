package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// RotationService owns rotation cycle definitions and their lazy expansion
// into concrete on-call intervals. Expansion never materializes shifts into
// storage; the cycle definition is the only persisted state.
type RotationService struct {
	PG *sql.DB
}

func NewRotationService(pg *sql.DB) *RotationService {
	return &RotationService{PG: pg}
}

// shiftLengthDuration maps the shift length enum to a fixed duration.
// Monthly uses 30 days; rotation arithmetic needs a constant stride, not
// calendar months.
func shiftLengthDuration(shiftLength string) (time.Duration, error) {
	switch shiftLength {
	case db.RotationLengthDaily:
		return 24 * time.Hour, nil
	case db.RotationLengthWeekly:
		return 7 * 24 * time.Hour, nil
	case db.RotationLengthBiweekly:
		return 14 * 24 * time.Hour, nil
	case db.RotationLengthMonthly:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown shift length %q", shiftLength)
}

// ExpandCycle computes the rotation intervals intersecting [from, to).
// Pure function of the cycle definition and the window: boundaries are
// start_date + k*shiftLength, member index is k mod len(members), and member
// order is used exactly as configured. Intervals are clipped to the window.
func ExpandCycle(cycle *db.RotationCycle, from, to time.Time) ([]db.RotationShift, error) {
	if len(cycle.MemberOrder) == 0 {
		return nil, fmt.Errorf("rotation cycle %s has no members", cycle.ID)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("expansion window end must be after start")
	}

	length, err := shiftLengthDuration(cycle.ShiftLength)
	if err != nil {
		return nil, err
	}

	// Nothing before the cycle starts.
	if to.Before(cycle.StartDate) || to.Equal(cycle.StartDate) {
		return nil, nil
	}
	if from.Before(cycle.StartDate) {
		from = cycle.StartDate
	}

	// First index whose interval can intersect the window.
	k := int(from.Sub(cycle.StartDate) / length)

	var shifts []db.RotationShift
	for {
		shiftStart := cycle.StartDate.Add(time.Duration(k) * length)
		if !shiftStart.Before(to) {
			break
		}
		shiftEnd := shiftStart.Add(length)

		clippedStart := shiftStart
		if clippedStart.Before(from) {
			clippedStart = from
		}
		clippedEnd := shiftEnd
		if clippedEnd.After(to) {
			clippedEnd = to
		}

		shifts = append(shifts, db.RotationShift{
			UserID:    cycle.MemberOrder[k%len(cycle.MemberOrder)],
			StartTime: clippedStart,
			EndTime:   clippedEnd,
			Index:     k,
		})
		k++
	}

	return shifts, nil
}

// MemberAt resolves the rotation member on duty at one instant, or "" when
// the instant precedes the cycle start.
func MemberAt(cycle *db.RotationCycle, at time.Time) string {
	if len(cycle.MemberOrder) == 0 || at.Before(cycle.StartDate) {
		return ""
	}
	length, err := shiftLengthDuration(cycle.ShiftLength)
	if err != nil {
		return ""
	}
	k := int(at.Sub(cycle.StartDate) / length)
	return cycle.MemberOrder[k%len(cycle.MemberOrder)]
}

// =============================================================================
// CYCLE CRUD
// =============================================================================

func (s *RotationService) CreateRotationCycle(groupID string, req db.CreateRotationCycleRequest) (*db.RotationCycle, error) {
	if len(req.MemberOrder) < 2 {
		return nil, fmt.Errorf("rotation cycle requires at least 2 members")
	}

	shiftLength := req.ShiftLength
	if shiftLength == "" {
		shiftLength = db.RotationLengthWeekly
	}
	if _, err := shiftLengthDuration(shiftLength); err != nil {
		return nil, err
	}

	startDate, err := parseStartDate(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date: %w", err)
	}

	memberJSON, err := json.Marshal(req.MemberOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to encode member order: %w", err)
	}

	cycle := db.RotationCycle{
		ID:          uuid.New().String(),
		GroupID:     groupID,
		Name:        req.Name,
		MemberOrder: req.MemberOrder,
		StartDate:   startDate,
		ShiftLength: shiftLength,
		IsActive:    true,
	}

	query := `
		INSERT INTO rotation_cycles (id, group_id, name, member_order, start_date, shift_length, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = s.PG.QueryRow(query, cycle.ID, cycle.GroupID, cycle.Name, string(memberJSON),
		cycle.StartDate, cycle.ShiftLength, cycle.IsActive).
		Scan(&cycle.CreatedAt, &cycle.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotation cycle: %w", err)
	}

	return &cycle, nil
}

func parseStartDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

func (s *RotationService) GetRotationCycle(cycleID string) (*db.RotationCycle, error) {
	var cycle db.RotationCycle
	var memberJSON []byte

	query := `
		SELECT id, group_id, name, member_order, start_date, shift_length, is_active, created_at, updated_at
		FROM rotation_cycles WHERE id = $1`

	err := s.PG.QueryRow(query, cycleID).Scan(&cycle.ID, &cycle.GroupID, &cycle.Name,
		&memberJSON, &cycle.StartDate, &cycle.ShiftLength, &cycle.IsActive,
		&cycle.CreatedAt, &cycle.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rotation cycle not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rotation cycle: %w", err)
	}

	if err := json.Unmarshal(memberJSON, &cycle.MemberOrder); err != nil {
		return nil, fmt.Errorf("failed to decode member order: %w", err)
	}

	return &cycle, nil
}

func (s *RotationService) GetGroupRotationCycles(groupID string) ([]db.RotationCycle, error) {
	query := `
		SELECT id, group_id, name, member_order, start_date, shift_length, is_active, created_at, updated_at
		FROM rotation_cycles
		WHERE group_id = $1 AND is_active = true
		ORDER BY created_at ASC`

	rows, err := s.PG.Query(query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation cycles: %w", err)
	}
	defer rows.Close()

	var cycles []db.RotationCycle
	for rows.Next() {
		var cycle db.RotationCycle
		var memberJSON []byte
		if err := rows.Scan(&cycle.ID, &cycle.GroupID, &cycle.Name, &memberJSON,
			&cycle.StartDate, &cycle.ShiftLength, &cycle.IsActive,
			&cycle.CreatedAt, &cycle.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(memberJSON, &cycle.MemberOrder); err != nil {
			return nil, fmt.Errorf("failed to decode member order for cycle %s: %w", cycle.ID, err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

// GetRotationPreview expands the cycle over the next `weeks` weeks starting
// now. Used by the schedule UI before committing to a rotation.
func (s *RotationService) GetRotationPreview(cycleID string, weeks int) ([]db.RotationShift, error) {
	cycle, err := s.GetRotationCycle(cycleID)
	if err != nil {
		return nil, err
	}
	if weeks <= 0 {
		weeks = 4
	}

	from := time.Now().UTC()
	to := from.Add(time.Duration(weeks) * 7 * 24 * time.Hour)
	return ExpandCycle(cycle, from, to)
}

// GetCurrentRotationMember resolves who the cycle puts on duty right now.
func (s *RotationService) GetCurrentRotationMember(cycleID string) (string, error) {
	cycle, err := s.GetRotationCycle(cycleID)
	if err != nil {
		return "", err
	}
	member := MemberAt(cycle, time.Now().UTC())
	if member == "" {
		return "", fmt.Errorf("rotation cycle %s has not started yet", cycleID)
	}
	return member, nil
}

// DeactivateRotationCycle soft-deletes the cycle; existing incidents keep
// their assignments.
func (s *RotationService) DeactivateRotationCycle(cycleID string) error {
	result, err := s.PG.Exec(`UPDATE rotation_cycles SET is_active = false, updated_at = NOW() WHERE id = $1`, cycleID)
	if err != nil {
		return fmt.Errorf("failed to deactivate rotation cycle: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rotation cycle not found")
	}
	return nil
}
