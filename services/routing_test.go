package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerloop/pagerloop/db"
)

func attrs(severity string) db.AlertAttributes {
	return db.AlertAttributes{
		Severity:  severity,
		Source:    "prometheus",
		Labels:    map[string]string{"team": "payments"},
		Metadata:  map[string]interface{}{"region": "eu-west-1", "replicas": 3},
		CreatedAt: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), // a Monday, 10:00 UTC
	}
}

func TestEvaluateMatchExpression_Leaves(t *testing.T) {
	a := attrs("critical")

	cases := []struct {
		name string
		expr *db.MatchExpression
		want bool
	}{
		{"equals match", &db.MatchExpression{Op: "equals", Field: "severity", Value: "critical"}, true},
		{"equals miss", &db.MatchExpression{Op: "equals", Field: "severity", Value: "warning"}, false},
		{"not_equals", &db.MatchExpression{Op: "not_equals", Field: "severity", Value: "warning"}, true},
		{"contains", &db.MatchExpression{Op: "contains", Field: "source", Value: "prom"}, true},
		{"regex", &db.MatchExpression{Op: "regex", Field: "source", Value: "^prom.*$"}, true},
		{"in hit", &db.MatchExpression{Op: "in", Field: "severity", Value: []interface{}{"critical", "error"}}, true},
		{"in miss", &db.MatchExpression{Op: "in", Field: "severity", Value: []interface{}{"info", "warning"}}, false},
		{"label path", &db.MatchExpression{Op: "equals", Field: "labels.team", Value: "payments"}, true},
		{"missing label", &db.MatchExpression{Op: "equals", Field: "labels.owner", Value: "payments"}, false},
		{"metadata path", &db.MatchExpression{Op: "equals", Field: "metadata.region", Value: "eu-west-1"}, true},
		{"metadata non-string", &db.MatchExpression{Op: "equals", Field: "metadata.replicas", Value: "3"}, true},
		{"default", &db.MatchExpression{Op: "default"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateMatchExpression(tc.expr, a))
		})
	}
}

func TestEvaluateMatchExpression_Composites(t *testing.T) {
	a := attrs("critical")

	and := &db.MatchExpression{Op: "and", Children: []*db.MatchExpression{
		{Op: "equals", Field: "severity", Value: "critical"},
		{Op: "equals", Field: "labels.team", Value: "payments"},
	}}
	assert.True(t, evaluateMatchExpression(and, a))

	andMiss := &db.MatchExpression{Op: "and", Children: []*db.MatchExpression{
		{Op: "equals", Field: "severity", Value: "critical"},
		{Op: "equals", Field: "labels.team", Value: "platform"},
	}}
	assert.False(t, evaluateMatchExpression(andMiss, a))

	or := &db.MatchExpression{Op: "or", Children: []*db.MatchExpression{
		{Op: "equals", Field: "severity", Value: "warning"},
		{Op: "equals", Field: "severity", Value: "critical"},
	}}
	assert.True(t, evaluateMatchExpression(or, a))

	nested := &db.MatchExpression{Op: "and", Children: []*db.MatchExpression{
		{Op: "or", Children: []*db.MatchExpression{
			{Op: "equals", Field: "severity", Value: "critical"},
			{Op: "equals", Field: "severity", Value: "error"},
		}},
		{Op: "not_equals", Field: "environment", Value: "staging"},
	}}
	assert.True(t, evaluateMatchExpression(nested, a))
}

func TestEvaluateTimeWindow(t *testing.T) {
	monday10 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	saturday10 := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	monday20 := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)

	assert.True(t, evaluateTimeWindow(nil, monday10))

	bh := &db.TimeWindow{BusinessHours: true}
	assert.True(t, evaluateTimeWindow(bh, monday10))
	assert.False(t, evaluateTimeWindow(bh, saturday10))
	assert.False(t, evaluateTimeWindow(bh, monday20))

	start, end := 9, 18
	hours := &db.TimeWindow{StartHour: &start, EndHour: &end}
	assert.True(t, evaluateTimeWindow(hours, monday10))
	assert.False(t, evaluateTimeWindow(hours, monday20))

	weekend := &db.TimeWindow{Weekdays: []string{"saturday", "sunday"}}
	assert.True(t, evaluateTimeWindow(weekend, saturday10))
	assert.False(t, evaluateTimeWindow(weekend, monday10))
}

func TestValidateMatchExpression(t *testing.T) {
	valid := []*db.MatchExpression{
		{Op: "default"},
		{Op: "equals", Field: "severity", Value: "critical"},
		{Op: "in", Field: "severity", Value: []interface{}{"critical"}},
		{Op: "regex", Field: "source", Value: "^prom"},
		{Op: "and", Children: []*db.MatchExpression{{Op: "default"}}},
	}
	for _, expr := range valid {
		assert.NoError(t, ValidateMatchExpression(expr), "op=%s", expr.Op)
	}

	invalid := []*db.MatchExpression{
		nil,
		{Op: "matches", Field: "severity", Value: "x"},
		{Op: "equals", Field: "priority", Value: "high"}, // unknown path
		{Op: "equals", Field: "severity"},                // no value
		{Op: "and"},                                      // no children
		{Op: "in", Field: "severity", Value: "critical"}, // not a list
		{Op: "regex", Field: "source", Value: "[unclosed"},
		{Op: "default", Field: "severity"},
	}
	for i, expr := range invalid {
		err := ValidateMatchExpression(expr)
		require.Error(t, err, "case %d", i)
		assert.ErrorIs(t, err, db.ErrInvalidMatchExpression, "case %d", i)
	}
}

// routingFixture wires two tables: priority 100 with a severity=critical
// rule targeting G1/P1, and priority 50 with a default rule targeting G2/P2.
func routingFixture(t *testing.T, mock sqlmock.Sqlmock, expectHighTableRules, expectLowTableRules bool) {
	t.Helper()

	tableRows := sqlmock.NewRows([]string{"id", "name", "description", "priority", "is_active", "created_at", "updated_at"}).
		AddRow("table-hi", "critical alerts", "", 100, true, time.Now(), time.Now()).
		AddRow("table-lo", "catch-all", "", 50, true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM alert_routing_tables").WillReturnRows(tableRows)

	if expectHighTableRules {
		criticalExpr, _ := json.Marshal(db.MatchExpression{Op: "equals", Field: "severity", Value: "critical"})
		hiRules := sqlmock.NewRows([]string{"id", "table_id", "name", "priority", "is_active", "match_expression",
			"time_window", "target_group_id", "escalation_policy_id", "created_at", "updated_at"}).
			AddRow("rule-critical", "table-hi", "critical to payments", 0, true, criticalExpr, nil, "group-1", "policy-1", time.Now(), time.Now())
		mock.ExpectQuery("SELECT .* FROM alert_routing_rules").WithArgs("table-hi").WillReturnRows(hiRules)
	}

	if expectLowTableRules {
		defaultExpr, _ := json.Marshal(db.MatchExpression{Op: "default"})
		loRules := sqlmock.NewRows([]string{"id", "table_id", "name", "priority", "is_active", "match_expression",
			"time_window", "target_group_id", "escalation_policy_id", "created_at", "updated_at"}).
			AddRow("rule-default", "table-lo", "fallback", 0, true, defaultExpr, nil, "group-2", "policy-2", time.Now(), time.Now())
		mock.ExpectQuery("SELECT .* FROM alert_routing_rules").WithArgs("table-lo").WillReturnRows(loRules)
	}
}

func TestRouteAlert_FirstMatchWins(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewRoutingService(conn)

	// The critical rule wins in the priority-100 table; the priority-50
	// table is never consulted.
	routingFixture(t, mock, true, false)
	mock.ExpectExec("INSERT INTO alert_route_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	decision, err := svc.RouteAlert("alert-1", attrs("critical"))
	require.NoError(t, err)
	assert.Equal(t, "rule-critical", decision.RuleID)
	assert.Equal(t, "group-1", decision.TargetGroupID)
	assert.Equal(t, "policy-1", decision.EscalationPolicyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteAlert_FallsThroughToDefault(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewRoutingService(conn)

	routingFixture(t, mock, true, true)
	mock.ExpectExec("INSERT INTO alert_route_logs").WillReturnResult(sqlmock.NewResult(1, 1))

	decision, err := svc.RouteAlert("alert-2", attrs("info"))
	require.NoError(t, err)
	assert.Equal(t, "rule-default", decision.RuleID)
	assert.Equal(t, "group-2", decision.TargetGroupID)
	assert.Equal(t, "policy-2", decision.EscalationPolicyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteAlert_NoMatch(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewRoutingService(conn)

	tableRows := sqlmock.NewRows([]string{"id", "name", "description", "priority", "is_active", "created_at", "updated_at"}).
		AddRow("table-hi", "critical alerts", "", 100, true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM alert_routing_tables").WillReturnRows(tableRows)

	criticalExpr, _ := json.Marshal(db.MatchExpression{Op: "equals", Field: "severity", Value: "critical"})
	rules := sqlmock.NewRows([]string{"id", "table_id", "name", "priority", "is_active", "match_expression",
		"time_window", "target_group_id", "escalation_policy_id", "created_at", "updated_at"}).
		AddRow("rule-critical", "table-hi", "critical only", 0, true, criticalExpr, nil, "group-1", "policy-1", time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM alert_routing_rules").WithArgs("table-hi").WillReturnRows(rules)

	_, err = svc.RouteAlert("alert-3", attrs("info"))
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrNoRouteMatched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTestRoute_DoesNotWriteRouteLog(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewRoutingService(conn)

	// No INSERT expectation: ExpectationsWereMet fails if one happens.
	routingFixture(t, mock, true, false)

	decision, err := svc.TestRoute(attrs("critical"))
	require.NoError(t, err)
	assert.Equal(t, "rule-critical", decision.RuleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteAlert_Deterministic(t *testing.T) {
	// Identical rule state and attributes must always produce the same
	// decision, because ordering is a pure function of (priority,
	// created_at).
	for i := 0; i < 3; i++ {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)

		svc := NewRoutingService(conn)
		routingFixture(t, mock, true, false)
		mock.ExpectExec("INSERT INTO alert_route_logs").WillReturnResult(sqlmock.NewResult(1, 1))

		decision, err := svc.RouteAlert("alert-det", attrs("critical"))
		require.NoError(t, err)
		assert.Equal(t, "rule-critical", decision.RuleID)

		var prev error = mock.ExpectationsWereMet()
		assert.NoError(t, prev)
		conn.Close()
	}
}

func TestRouteAlert_TimeWindowSkipsRuleBeforeExpression(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewRoutingService(conn)

	tableRows := sqlmock.NewRows([]string{"id", "name", "description", "priority", "is_active", "created_at", "updated_at"}).
		AddRow("table-hi", "weekday alerts", "", 100, true, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM alert_routing_tables").WillReturnRows(tableRows)

	expr, _ := json.Marshal(db.MatchExpression{Op: "default"})
	window, _ := json.Marshal(db.TimeWindow{Weekdays: []string{"saturday"}})
	rules := sqlmock.NewRows([]string{"id", "table_id", "name", "priority", "is_active", "match_expression",
		"time_window", "target_group_id", "escalation_policy_id", "created_at", "updated_at"}).
		AddRow("rule-weekend", "table-hi", "weekend only", 0, true, expr, string(window), "group-1", "", time.Now(), time.Now())
	mock.ExpectQuery("SELECT .* FROM alert_routing_rules").WithArgs("table-hi").WillReturnRows(rules)

	// Monday alert: the always-true default expression is never reached
	// because the time window already failed.
	_, err = svc.RouteAlert("alert-4", attrs("critical"))
	assert.True(t, errors.Is(err, db.ErrNoRouteMatched))
	assert.NoError(t, mock.ExpectationsWereMet())
}
