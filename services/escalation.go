package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pagerloop/pagerloop/db"
)

// EscalationService owns escalation policies and the state machine that
// walks an incident through them. Every level advance is guarded by a
// compare-and-swap on the stored level, so concurrent timeout and manual
// triggers can never both succeed for the same transition.
type EscalationService struct {
	PG       *sql.DB
	Schedule *ScheduleService
	Group    *GroupService
	Notifier NotificationSender
}

func NewEscalationService(pg *sql.DB, schedule *ScheduleService, group *GroupService, notifier NotificationSender) *EscalationService {
	return &EscalationService{PG: pg, Schedule: schedule, Group: group, Notifier: notifier}
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// CreateAndAssign performs the initial transition for a newly created
// incident bound to a policy: resolve level 1's target and move the incident
// from level 0 to level 1 with escalation in progress. An unresolvable
// target still advances the level; the result carries Unresolved=true and
// assignment stays empty.
func (s *EscalationService) CreateAndAssign(incidentID, policyID string) (*db.EscalationResult, error) {
	levels, err := s.getPolicyLevels(policyID)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("escalation policy has no levels defined")
	}

	first := levels[0]
	userID, resolveErr := s.resolveTarget(&first)
	if resolveErr != nil {
		log.Printf("Level 1 target unresolvable for incident %s: %v", incidentID, resolveErr)
	}

	result, err := s.advance(incidentID, 0, 1, userID, first.TargetType, db.EscalationTriggerManual, "")
	if err != nil {
		return nil, err
	}
	result.HasMoreLevels = len(levels) > 1
	result.Unresolved = userID == ""

	s.notifyAssignment(incidentID, userID, 1)
	return result, nil
}

// AdvanceEscalation moves the incident to its next level. trigger is
// "timeout" (worker-driven, requires status still triggered) or "manual"
// (actor-driven, allowed while unresolved). Idempotent under concurrent
// firing: the loser of the level CAS gets db.ErrEscalationConflict.
func (s *EscalationService) AdvanceEscalation(incidentID, trigger, actorID string) (*db.EscalationResult, error) {
	incident, err := s.getIncidentForEscalation(incidentID)
	if err != nil {
		return nil, err
	}

	if incident.Status == db.IncidentStatusResolved {
		return nil, fmt.Errorf("cannot escalate incident %s: %w", incidentID, db.ErrIncidentAlreadyResolved)
	}
	if trigger == db.EscalationTriggerTimeout && incident.Status != db.IncidentStatusTriggered {
		// Acknowledged incidents do not auto-escalate.
		return nil, fmt.Errorf("incident %s is no longer triggered: %w", incidentID, db.ErrEscalationConflict)
	}
	if incident.EscalationPolicyID == "" {
		return nil, fmt.Errorf("incident has no escalation policy")
	}

	levels, err := s.getPolicyLevels(incident.EscalationPolicyID)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("escalation policy has no levels defined")
	}

	nextLevel := incident.CurrentEscalationLevel + 1
	if nextLevel > len(levels) {
		if err := s.markExhausted(incidentID, incident.CurrentEscalationLevel); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("incident %s is at the last level: %w", incidentID, db.ErrEscalationExhausted)
	}

	level := levels[nextLevel-1]
	userID, resolveErr := s.resolveTarget(&level)
	if resolveErr != nil {
		log.Printf("Level %d target unresolvable for incident %s: %v", nextLevel, incidentID, resolveErr)
	}

	result, err := s.advance(incidentID, incident.CurrentEscalationLevel, nextLevel, userID, level.TargetType, trigger, actorID)
	if err != nil {
		return nil, err
	}
	result.HasMoreLevels = nextLevel < len(levels)
	result.Unresolved = userID == ""

	s.notifyEscalation(incidentID, userID, nextLevel)
	return result, nil
}

// advance is the single write path for level transitions. The WHERE clause
// is the CAS: the row must still be at expectedLevel, and a timeout trigger
// additionally requires status = triggered. An empty userID advances the
// counter without touching the assignment.
func (s *EscalationService) advance(incidentID string, expectedLevel, newLevel int, userID, targetType, trigger, actorID string) (*db.EscalationResult, error) {
	query := `
		UPDATE incidents
		SET current_escalation_level = $1,
		    escalation_status = $2,
		    last_escalated_at = NOW(),
		    assigned_to = CASE WHEN $3 <> '' THEN $3::uuid ELSE assigned_to END,
		    assigned_at = CASE WHEN $3 <> '' THEN NOW() ELSE assigned_at END,
		    updated_at = NOW()
		WHERE id = $4
		  AND current_escalation_level = $5
		  AND status <> $6`
	args := []interface{}{newLevel, db.EscalationStatusInProgress, userID, incidentID, expectedLevel, db.IncidentStatusResolved}

	if trigger == db.EscalationTriggerTimeout {
		query += ` AND status = $7`
		args = append(args, db.IncidentStatusTriggered)
	}

	result, err := s.PG.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to advance escalation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("incident %s changed concurrently at level %d: %w", incidentID, expectedLevel, db.ErrEscalationConflict)
	}

	detail := fmt.Sprintf("escalated to level %d (%s, trigger=%s)", newLevel, targetType, trigger)
	if userID == "" {
		detail += ", target unresolved"
	}
	s.recordEvent(incidentID, "escalated", actorID, detail)

	return &db.EscalationResult{
		IncidentID:       incidentID,
		NewLevel:         newLevel,
		AssignedUserID:   userID,
		TargetType:       targetType,
		EscalationStatus: db.EscalationStatusInProgress,
	}, nil
}

// markExhausted flips the escalation status to completed, leaving the last
// assignment standing. CAS on the level keeps the write idempotent.
func (s *EscalationService) markExhausted(incidentID string, currentLevel int) error {
	result, err := s.PG.Exec(`
		UPDATE incidents
		SET escalation_status = $1, updated_at = NOW()
		WHERE id = $2 AND current_escalation_level = $3 AND escalation_status <> $1`,
		db.EscalationStatusCompleted, incidentID, currentLevel)
	if err != nil {
		return fmt.Errorf("failed to mark escalation completed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.recordEvent(incidentID, "escalation_completed", "", fmt.Sprintf("policy exhausted at level %d", currentLevel))
	}
	return nil
}

// resolveTarget maps an escalation level to a concrete user.
// user targets resolve directly; group targets ask the group collaborator
// for its representative; scheduler/current_schedule targets resolve through
// the effective on-call schedule right now. Returns ("", wrapped
// ErrUnresolvableTarget) when there is no candidate; callers still advance.
func (s *EscalationService) resolveTarget(level *db.EscalationLevel) (string, error) {
	switch level.TargetType {
	case db.TargetTypeUser:
		return level.TargetID, nil

	case db.TargetTypeGroup:
		userID, err := s.Group.GetGroupRepresentative(level.TargetID)
		if err != nil {
			return "", fmt.Errorf("group %s: %v: %w", level.TargetID, err, db.ErrUnresolvableTarget)
		}
		if userID == "" {
			return "", fmt.Errorf("group %s has no members: %w", level.TargetID, db.ErrUnresolvableTarget)
		}
		return userID, nil

	case db.TargetTypeScheduler, db.TargetTypeCurrentSchedule:
		userID, err := s.Schedule.WhoIsOnCall(level.TargetID, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("schedule for group %s: %v: %w", level.TargetID, err, db.ErrUnresolvableTarget)
		}
		if userID == "" {
			return "", fmt.Errorf("nobody on call for group %s: %w", level.TargetID, db.ErrUnresolvableTarget)
		}
		return userID, nil
	}

	return "", fmt.Errorf("unknown target type %q: %w", level.TargetType, db.ErrUnresolvableTarget)
}

// GetDueLevelTimeout returns how long the incident's current level waits
// before auto-advancing.
func (s *EscalationService) GetDueLevelTimeout(policyID string, levelNumber int) (time.Duration, error) {
	levels, err := s.getPolicyLevels(policyID)
	if err != nil {
		return 0, err
	}
	if levelNumber < 1 || levelNumber > len(levels) {
		return 0, fmt.Errorf("policy %s has no level %d", policyID, levelNumber)
	}
	return levels[levelNumber-1].GetEffectiveTimeout(), nil
}

func (s *EscalationService) getIncidentForEscalation(incidentID string) (*db.Incident, error) {
	var inc db.Incident
	err := s.PG.QueryRow(`
		SELECT id, status, escalation_status, current_escalation_level,
		       COALESCE(escalation_policy_id::text, ''), COALESCE(assigned_to::text, '')
		FROM incidents WHERE id = $1`, incidentID).
		Scan(&inc.ID, &inc.Status, &inc.EscalationStatus, &inc.CurrentEscalationLevel,
			&inc.EscalationPolicyID, &inc.AssignedTo)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	return &inc, nil
}

func (s *EscalationService) recordEvent(incidentID, eventType, actorID, detail string) {
	_, err := s.PG.Exec(`
		INSERT INTO incident_events (id, incident_id, event_type, actor_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.New().String(), incidentID, eventType, nullIfEmpty(actorID), nullIfEmpty(detail))
	if err != nil {
		log.Printf("Failed to record incident event %s for %s: %v", eventType, incidentID, err)
	}
}

func (s *EscalationService) notifyAssignment(incidentID, userID string, level int) {
	if s.Notifier == nil || userID == "" {
		return
	}
	s.Notifier.SendIncidentAssigned(incidentID, userID, level)
}

func (s *EscalationService) notifyEscalation(incidentID, userID string, level int) {
	if s.Notifier == nil || userID == "" {
		return
	}
	s.Notifier.SendIncidentEscalated(incidentID, userID, level)
}

// =============================================================================
// POLICY CRUD
// =============================================================================

func validTargetType(t string) bool {
	switch t {
	case db.TargetTypeUser, db.TargetTypeGroup, db.TargetTypeScheduler, db.TargetTypeCurrentSchedule:
		return true
	}
	return false
}

// CreateEscalationPolicy stores a policy and its levels atomically. Level
// numbers are assigned from the request order; timeouts default to 5
// minutes and notification methods to ["email"].
func (s *EscalationService) CreateEscalationPolicy(groupID string, req db.CreateEscalationPolicyRequest) (*db.EscalationPolicy, error) {
	for i, level := range req.Levels {
		if !validTargetType(level.TargetType) {
			return nil, fmt.Errorf("level %d has invalid target type %q", i+1, level.TargetType)
		}
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	policy := db.EscalationPolicy{
		ID:          uuid.New().String(),
		GroupID:     groupID,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}

	err = tx.QueryRow(`
		INSERT INTO escalation_policies (id, group_id, name, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at`,
		policy.ID, policy.GroupID, policy.Name, policy.Description, policy.IsActive).
		Scan(&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation policy: %w", err)
	}

	for i, levelReq := range req.Levels {
		level := db.EscalationLevel{
			ID:                  uuid.New().String(),
			PolicyID:            policy.ID,
			LevelNumber:         i + 1,
			TargetType:          levelReq.TargetType,
			TargetID:            levelReq.TargetID,
			TimeoutMinutes:      levelReq.TimeoutMinutes,
			NotificationMethods: levelReq.NotificationMethods,
		}
		if level.TimeoutMinutes <= 0 {
			level.TimeoutMinutes = 5
		}
		if len(level.NotificationMethods) == 0 {
			level.NotificationMethods = []string{"email"}
		}

		err = tx.QueryRow(`
			INSERT INTO escalation_levels (id, policy_id, level_number, target_type, target_id,
			                               timeout_minutes, notification_methods, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			RETURNING created_at`,
			level.ID, level.PolicyID, level.LevelNumber, level.TargetType, level.TargetID,
			level.TimeoutMinutes, pq.Array(level.NotificationMethods)).
			Scan(&level.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create escalation level %d: %w", level.LevelNumber, err)
		}
		policy.Levels = append(policy.Levels, level)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit escalation policy: %w", err)
	}

	return &policy, nil
}

func (s *EscalationService) GetEscalationPolicy(policyID string) (*db.EscalationPolicy, error) {
	var policy db.EscalationPolicy
	err := s.PG.QueryRow(`
		SELECT id, group_id, name, COALESCE(description, ''), is_active, created_at, updated_at
		FROM escalation_policies WHERE id = $1`, policyID).
		Scan(&policy.ID, &policy.GroupID, &policy.Name, &policy.Description,
			&policy.IsActive, &policy.CreatedAt, &policy.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escalation policy not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	levels, err := s.getPolicyLevels(policyID)
	if err != nil {
		return nil, err
	}
	policy.Levels = levels
	return &policy, nil
}

func (s *EscalationService) GetGroupEscalationPolicies(groupID string) ([]db.EscalationPolicy, error) {
	rows, err := s.PG.Query(`
		SELECT id, group_id, name, COALESCE(description, ''), is_active, created_at, updated_at
		FROM escalation_policies
		WHERE group_id = $1 AND is_active = true
		ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation policies: %w", err)
	}
	defer rows.Close()

	var policies []db.EscalationPolicy
	for rows.Next() {
		var p db.EscalationPolicy
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Name, &p.Description, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *EscalationService) getPolicyLevels(policyID string) ([]db.EscalationLevel, error) {
	rows, err := s.PG.Query(`
		SELECT id, policy_id, level_number, target_type, target_id, timeout_minutes, notification_methods, created_at
		FROM escalation_levels
		WHERE policy_id = $1
		ORDER BY level_number ASC`, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation levels: %w", err)
	}
	defer rows.Close()

	var levels []db.EscalationLevel
	for rows.Next() {
		var l db.EscalationLevel
		if err := rows.Scan(&l.ID, &l.PolicyID, &l.LevelNumber, &l.TargetType, &l.TargetID,
			&l.TimeoutMinutes, pq.Array(&l.NotificationMethods), &l.CreatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// DeactivateEscalationPolicy soft-deletes the policy. Incidents already
// bound to it keep escalating through its levels.
func (s *EscalationService) DeactivateEscalationPolicy(policyID string) error {
	result, err := s.PG.Exec(`UPDATE escalation_policies SET is_active = false, updated_at = NOW() WHERE id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("failed to deactivate escalation policy: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("escalation policy not found")
	}
	return nil
}
