package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerloop/pagerloop/db"
)

func newIncidentFixture(t *testing.T) (*IncidentService, sqlmock.Sqlmock, *recordingNotifier, func()) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	routing := NewRoutingService(conn)
	rotation := NewRotationService(conn)
	schedule := NewScheduleService(conn, rotation)
	group := NewGroupService(conn)
	escalation := NewEscalationService(conn, schedule, group, notifier)
	svc := NewIncidentService(conn, routing, escalation, notifier)

	return svc, mock, notifier, func() { conn.Close() }
}

func incidentColumns() []string {
	return []string{"id", "title", "description", "status", "severity", "source",
		"group_id", "escalation_policy_id", "current_escalation_level",
		"escalation_status", "last_escalated_at", "assigned_to", "assigned_at",
		"acknowledged_by", "acknowledged_at", "resolved_by", "resolved_at",
		"unrouted", "labels", "created_at", "updated_at",
		"assigned_to_name", "group_name", "escalation_policy_name"}
}

func expectGetIncident(mock sqlmock.Sqlmock, status string) {
	now := time.Now()
	rows := sqlmock.NewRows(incidentColumns()).
		AddRow("incident-1", "db on fire", "", status, "critical", "prometheus",
			"group-1", "policy-1", 1, db.EscalationStatusInProgress, now, "user-alice", now,
			"", nil, "", nil, false, "", now, now, "Alice", "payments", "default policy")
	mock.ExpectQuery("SELECT i.id, i.title").WithArgs("incident-1").WillReturnRows(rows)
}

func TestAcknowledgeIncident(t *testing.T) {
	svc, mock, notifier, done := newIncidentFixture(t)
	defer done()

	mock.ExpectExec("UPDATE incidents").
		WithArgs(db.IncidentStatusAcknowledged, "user-alice", "incident-1", db.IncidentStatusTriggered).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO incident_events").WillReturnResult(sqlmock.NewResult(1, 1))
	expectGetIncident(mock, db.IncidentStatusAcknowledged)

	incident, err := svc.AcknowledgeIncident("incident-1", "user-alice")
	require.NoError(t, err)
	assert.Equal(t, db.IncidentStatusAcknowledged, incident.Status)
	assert.Empty(t, notifier.escalated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeIncident_ResolvedRejected(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	// The guarded update matches no rows; the follow-up read explains why.
	mock.ExpectExec("UPDATE incidents").
		WithArgs(db.IncidentStatusAcknowledged, "user-alice", "incident-1", db.IncidentStatusTriggered).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectGetIncident(mock, db.IncidentStatusResolved)

	_, err := svc.AcknowledgeIncident("incident-1", "user-alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrIncidentAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeIncident_AlreadyAcknowledged(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	mock.ExpectExec("UPDATE incidents").
		WithArgs(db.IncidentStatusAcknowledged, "user-bob", "incident-1", db.IncidentStatusTriggered).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectGetIncident(mock, db.IncidentStatusAcknowledged)

	_, err := svc.AcknowledgeIncident("incident-1", "user-bob")
	require.Error(t, err)
	assert.NotErrorIs(t, err, db.ErrIncidentAlreadyResolved)
	assert.Contains(t, err.Error(), "not in triggered state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveIncident(t *testing.T) {
	svc, mock, notifier, done := newIncidentFixture(t)
	defer done()

	mock.ExpectExec("UPDATE incidents").
		WithArgs(db.IncidentStatusResolved, "user-alice", "incident-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO incident_events").WillReturnResult(sqlmock.NewResult(1, 1))
	expectGetIncident(mock, db.IncidentStatusResolved)

	incident, err := svc.ResolveIncident("incident-1", "user-alice")
	require.NoError(t, err)
	assert.Equal(t, db.IncidentStatusResolved, incident.Status)
	assert.Empty(t, notifier.assigned) // resolved path notifies resolve, not assign
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveIncident_Idempotent(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	mock.ExpectExec("UPDATE incidents").
		WithArgs(db.IncidentStatusResolved, "user-alice", "incident-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.ResolveIncident("incident-1", "user-alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrIncidentAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignIncident_ResolvedRejected(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	mock.ExpectExec("UPDATE incidents").
		WithArgs("user-bob", "incident-1", db.IncidentStatusResolved).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.AssignIncident("incident-1", "user-bob", "user-admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrIncidentAlreadyResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIncident_UnroutedWhenNoRuleMatches(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	// No routing tables at all: the alert is unroutable but creation
	// still succeeds with the unrouted marker set.
	mock.ExpectQuery("SELECT .* FROM alert_routing_tables").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "priority",
			"is_active", "created_at", "updated_at"}))
	mock.ExpectQuery("INSERT INTO incidents").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
	mock.ExpectExec("INSERT INTO incident_events").WillReturnResult(sqlmock.NewResult(1, 1))

	incident, decision, err := svc.CreateIncident(db.CreateIncidentRequest{
		Title:    "disk full",
		Severity: "warning",
		Source:   "node-exporter",
	}, "user-admin")
	require.NoError(t, err)
	require.Nil(t, decision)
	assert.True(t, incident.Unrouted)
	assert.Equal(t, db.IncidentStatusTriggered, incident.Status)
	assert.Equal(t, db.EscalationStatusNone, incident.EscalationStatus)
	assert.Equal(t, 0, incident.CurrentEscalationLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIncidentEvents(t *testing.T) {
	svc, mock, _, done := newIncidentFixture(t)
	defer done()

	rows := sqlmock.NewRows([]string{"id", "incident_id", "event_type", "actor_id", "detail", "created_at"}).
		AddRow("event-1", "incident-1", "created", "user-admin", "severity=critical source=prometheus", time.Now()).
		AddRow("event-2", "incident-1", "escalated", "", "escalated to level 1 (user, trigger=manual)", time.Now())
	mock.ExpectQuery("SELECT .* FROM incident_events").WithArgs("incident-1").WillReturnRows(rows)

	events, err := svc.GetIncidentEvents("incident-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].EventType)
	assert.Equal(t, "escalated", events[1].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}
