package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// IncidentService owns the incident lifecycle. Creation routes the alert
// attributes, binds the incident to the decided group/policy and hands it to
// the escalation state machine; acknowledge/resolve/escalate are the only
// ways incident state changes afterwards.
type IncidentService struct {
	PG         *sql.DB
	Routing    *RoutingService
	Escalation *EscalationService
	Notifier   NotificationSender
}

func NewIncidentService(pg *sql.DB, routing *RoutingService, escalation *EscalationService, notifier NotificationSender) *IncidentService {
	return &IncidentService{PG: pg, Routing: routing, Escalation: escalation, Notifier: notifier}
}

// CreateIncident routes the alert and creates the incident in one flow. A
// routing miss does not fail creation: the incident is stored with the
// unrouted marker and no assignment, for a human to triage. The returned
// decision is nil in that case.
func (s *IncidentService) CreateIncident(req db.CreateIncidentRequest, actorID string) (*db.Incident, *db.RouteDecision, error) {
	incidentID := uuid.New().String()

	attrs := db.AlertAttributes{
		Severity:    req.Severity,
		Source:      req.Source,
		Environment: req.Environment,
		Labels:      req.Labels,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	var decision *db.RouteDecision
	var groupID, policyID string
	unrouted := false

	d, err := s.Routing.RouteAlert(incidentID, attrs)
	switch {
	case err == nil:
		decision = d
		groupID = d.TargetGroupID
		policyID = d.EscalationPolicyID
	case errors.Is(err, db.ErrNoRouteMatched):
		unrouted = true
		log.Printf("Incident %s created unrouted: no routing rule matched", incidentID)
	default:
		return nil, nil, fmt.Errorf("routing failed: %w", err)
	}

	var labelsJSON interface{}
	if len(req.Labels) > 0 {
		b, err := json.Marshal(req.Labels)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode labels: %w", err)
		}
		labelsJSON = string(b)
	}

	incident := db.Incident{
		ID:                 incidentID,
		Title:              req.Title,
		Description:        req.Description,
		Status:             db.IncidentStatusTriggered,
		Severity:           req.Severity,
		Source:             req.Source,
		GroupID:            groupID,
		EscalationPolicyID: policyID,
		EscalationStatus:   db.EscalationStatusNone,
		Unrouted:           unrouted,
	}

	query := `
		INSERT INTO incidents (id, title, description, status, severity, source,
		                       group_id, escalation_policy_id, current_escalation_level,
		                       escalation_status, unrouted, labels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = s.PG.QueryRow(query, incident.ID, incident.Title, nullIfEmpty(incident.Description),
		incident.Status, nullIfEmpty(incident.Severity), nullIfEmpty(incident.Source),
		nullIfEmpty(incident.GroupID), nullIfEmpty(incident.EscalationPolicyID),
		incident.EscalationStatus, incident.Unrouted, labelsJSON).
		Scan(&incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create incident: %w", err)
	}

	s.recordEvent(incidentID, "created", actorID, fmt.Sprintf("severity=%s source=%s", req.Severity, req.Source))

	// Initial assignment through the state machine. An unresolvable level 1
	// target is a warning, not a creation failure.
	if policyID != "" {
		result, err := s.Escalation.CreateAndAssign(incidentID, policyID)
		if err != nil {
			log.Printf("Initial escalation failed for incident %s: %v", incidentID, err)
		} else {
			incident.CurrentEscalationLevel = result.NewLevel
			incident.EscalationStatus = result.EscalationStatus
			incident.AssignedTo = result.AssignedUserID
		}
	}

	return &incident, decision, nil
}

// AcknowledgeIncident moves triggered -> acknowledged. The status guard in
// the WHERE clause makes the transition race-safe: an already acknowledged
// or resolved incident is not touched.
func (s *IncidentService) AcknowledgeIncident(incidentID, userID string) (*db.Incident, error) {
	result, err := s.PG.Exec(`
		UPDATE incidents
		SET status = $1, acknowledged_by = $2, acknowledged_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		db.IncidentStatusAcknowledged, userID, incidentID, db.IncidentStatusTriggered)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		current, getErr := s.GetIncident(incidentID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == db.IncidentStatusResolved {
			return nil, fmt.Errorf("cannot acknowledge incident %s: %w", incidentID, db.ErrIncidentAlreadyResolved)
		}
		return nil, fmt.Errorf("incident %s is not in triggered state", incidentID)
	}

	s.recordEvent(incidentID, "acknowledged", userID, "")
	if s.Notifier != nil {
		s.Notifier.SendIncidentAcknowledged(incidentID, userID)
	}

	return s.GetIncident(incidentID)
}

// ResolveIncident is the terminal transition.
func (s *IncidentService) ResolveIncident(incidentID, userID string) (*db.Incident, error) {
	result, err := s.PG.Exec(`
		UPDATE incidents
		SET status = $1, resolved_by = $2, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status <> $1`,
		db.IncidentStatusResolved, userID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("cannot resolve incident %s: %w", incidentID, db.ErrIncidentAlreadyResolved)
	}

	s.recordEvent(incidentID, "resolved", userID, "")
	if s.Notifier != nil {
		s.Notifier.SendIncidentResolved(incidentID, userID)
	}

	return s.GetIncident(incidentID)
}

// ManualEscalate forces the next-level transition early on behalf of an
// actor. All validation lives in the state machine.
func (s *IncidentService) ManualEscalate(incidentID, actorID string) (*db.EscalationResult, error) {
	return s.Escalation.AdvanceEscalation(incidentID, db.EscalationTriggerManual, actorID)
}

// AssignIncident sets a direct assignee outside the escalation ladder.
func (s *IncidentService) AssignIncident(incidentID, userID, actorID string) (*db.Incident, error) {
	result, err := s.PG.Exec(`
		UPDATE incidents
		SET assigned_to = $1, assigned_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status <> $3`,
		userID, incidentID, db.IncidentStatusResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to assign incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("cannot assign incident %s: %w", incidentID, db.ErrIncidentAlreadyResolved)
	}

	s.recordEvent(incidentID, "assigned", actorID, fmt.Sprintf("assigned to %s", userID))
	if s.Notifier != nil {
		s.Notifier.SendIncidentAssigned(incidentID, userID, 0)
	}

	return s.GetIncident(incidentID)
}

func (s *IncidentService) GetIncident(incidentID string) (*db.Incident, error) {
	query := `
		SELECT i.id, i.title, COALESCE(i.description, ''), i.status,
		       COALESCE(i.severity, ''), COALESCE(i.source, ''),
		       COALESCE(i.group_id::text, ''), COALESCE(i.escalation_policy_id::text, ''),
		       i.current_escalation_level, i.escalation_status, i.last_escalated_at,
		       COALESCE(i.assigned_to::text, ''), i.assigned_at,
		       COALESCE(i.acknowledged_by::text, ''), i.acknowledged_at,
		       COALESCE(i.resolved_by::text, ''), i.resolved_at,
		       i.unrouted, COALESCE(i.labels::text, ''), i.created_at, i.updated_at,
		       COALESCE(u.name, ''), COALESCE(g.name, ''), COALESCE(p.name, '')
		FROM incidents i
		LEFT JOIN users u ON i.assigned_to = u.id
		LEFT JOIN groups g ON i.group_id = g.id
		LEFT JOIN escalation_policies p ON i.escalation_policy_id = p.id
		WHERE i.id = $1`

	var inc db.Incident
	err := s.PG.QueryRow(query, incidentID).Scan(
		&inc.ID, &inc.Title, &inc.Description, &inc.Status,
		&inc.Severity, &inc.Source, &inc.GroupID, &inc.EscalationPolicyID,
		&inc.CurrentEscalationLevel, &inc.EscalationStatus, &inc.LastEscalatedAt,
		&inc.AssignedTo, &inc.AssignedAt,
		&inc.AcknowledgedBy, &inc.AcknowledgedAt,
		&inc.ResolvedBy, &inc.ResolvedAt,
		&inc.Unrouted, &inc.Labels, &inc.CreatedAt, &inc.UpdatedAt,
		&inc.AssignedToName, &inc.GroupName, &inc.EscalationPolicyName)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &inc, nil
}

// ListIncidents returns incidents newest first, optionally filtered by
// status and group.
func (s *IncidentService) ListIncidents(status, groupID string, limit int) ([]db.Incident, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT i.id, i.title, i.status, COALESCE(i.severity, ''),
		       COALESCE(i.group_id::text, ''), i.current_escalation_level,
		       i.escalation_status, COALESCE(i.assigned_to::text, ''),
		       i.unrouted, i.created_at, i.updated_at,
		       COALESCE(u.name, ''), COALESCE(g.name, '')
		FROM incidents i
		LEFT JOIN users u ON i.assigned_to = u.id
		LEFT JOIN groups g ON i.group_id = g.id
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1
	if status != "" {
		query += fmt.Sprintf(" AND i.status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}
	if groupID != "" {
		query += fmt.Sprintf(" AND i.group_id = $%d", argIndex)
		args = append(args, groupID)
		argIndex++
	}
	query += fmt.Sprintf(" ORDER BY i.created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []db.Incident
	for rows.Next() {
		var inc db.Incident
		if err := rows.Scan(&inc.ID, &inc.Title, &inc.Status, &inc.Severity,
			&inc.GroupID, &inc.CurrentEscalationLevel, &inc.EscalationStatus,
			&inc.AssignedTo, &inc.Unrouted, &inc.CreatedAt, &inc.UpdatedAt,
			&inc.AssignedToName, &inc.GroupName); err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// GetIncidentEvents returns the append-only history trail, oldest first.
func (s *IncidentService) GetIncidentEvents(incidentID string) ([]db.IncidentEvent, error) {
	rows, err := s.PG.Query(`
		SELECT id, incident_id, event_type, COALESCE(actor_id::text, ''), COALESCE(detail, ''), created_at
		FROM incident_events
		WHERE incident_id = $1
		ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident events: %w", err)
	}
	defer rows.Close()

	var events []db.IncidentEvent
	for rows.Next() {
		var e db.IncidentEvent
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.EventType, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *IncidentService) recordEvent(incidentID, eventType, actorID, detail string) {
	_, err := s.PG.Exec(`
		INSERT INTO incident_events (id, incident_id, event_type, actor_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.New().String(), incidentID, eventType, nullIfEmpty(actorID), nullIfEmpty(detail))
	if err != nil {
		log.Printf("Failed to record incident event %s for %s: %v", eventType, incidentID, err)
	}
}
