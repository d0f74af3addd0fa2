package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
)

// RoutingService owns routing tables/rules and the first-match-wins
// evaluation that assigns inbound alerts to a group and escalation policy.
type RoutingService struct {
	PG *sql.DB
}

func NewRoutingService(pg *sql.DB) *RoutingService {
	return &RoutingService{PG: pg}
}

// =============================================================================
// EVALUATION
// =============================================================================

// RouteAlert evaluates attrs against all active tables and persists a route
// log for the winning rule. Returns db.ErrNoRouteMatched when nothing
// matches.
func (s *RoutingService) RouteAlert(alertID string, attrs db.AlertAttributes) (*db.RouteDecision, error) {
	start := time.Now()

	decision, err := s.evaluate(attrs)
	if err != nil {
		return nil, err
	}
	decision.EvaluationTimeMs = time.Since(start).Milliseconds()

	// Audit log failures must not fail the routing decision itself.
	if logErr := s.logRouteMatch(alertID, decision); logErr != nil {
		log.Printf("Failed to write route log for alert %s: %v", alertID, logErr)
	}

	return decision, nil
}

// TestRoute is the dry-run twin of RouteAlert: same evaluation, no route log.
func (s *RoutingService) TestRoute(attrs db.AlertAttributes) (*db.RouteDecision, error) {
	start := time.Now()

	decision, err := s.evaluate(attrs)
	if err != nil {
		return nil, err
	}
	decision.EvaluationTimeMs = time.Since(start).Milliseconds()

	return decision, nil
}

// evaluate walks active tables ordered (priority DESC, created_at ASC), and
// within each table its active rules in the same order. The first rule whose
// time window and match expression both hold wins; evaluation stops there.
// Ordering is recomputed from storage on every call so concurrent rule edits
// are picked up without cache invalidation.
func (s *RoutingService) evaluate(attrs db.AlertAttributes) (*db.RouteDecision, error) {
	tables, err := s.getActiveTablesForEvaluation()
	if err != nil {
		return nil, fmt.Errorf("failed to load routing tables: %w", err)
	}

	for _, table := range tables {
		rules, err := s.getActiveRulesForTable(table.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules for table %s: %w", table.ID, err)
		}

		for _, rule := range rules {
			// A non-matching time window skips the rule without touching
			// the match expression.
			if !evaluateTimeWindow(rule.TimeWindow, attrs.CreatedAt) {
				continue
			}
			if !evaluateMatchExpression(rule.MatchExpression, attrs) {
				continue
			}

			return &db.RouteDecision{
				TableID:            table.ID,
				TableName:          table.Name,
				RuleID:             rule.ID,
				RuleName:           rule.Name,
				TargetGroupID:      rule.TargetGroupID,
				EscalationPolicyID: rule.EscalationPolicyID,
				MatchReason:        describeMatchExpression(rule.MatchExpression),
				Attributes:         attrs,
			}, nil
		}
	}

	return nil, fmt.Errorf("no rule matched alert attributes: %w", db.ErrNoRouteMatched)
}

// evaluateMatchExpression is total over stored rules: validation at save time
// guarantees it never needs to report an error.
func evaluateMatchExpression(expr *db.MatchExpression, attrs db.AlertAttributes) bool {
	if expr == nil {
		return false
	}

	switch expr.Op {
	case db.MatchOpDefault:
		return true
	case db.MatchOpAnd:
		for _, child := range expr.Children {
			if !evaluateMatchExpression(child, attrs) {
				return false
			}
		}
		return true
	case db.MatchOpOr:
		for _, child := range expr.Children {
			if evaluateMatchExpression(child, attrs) {
				return true
			}
		}
		return false
	}

	// Leaf comparison against the named attribute path.
	actual := resolveAttributePath(attrs, expr.Field)

	switch expr.Op {
	case db.MatchOpEquals:
		return actual == stringify(expr.Value)
	case db.MatchOpNotEquals:
		return actual != stringify(expr.Value)
	case db.MatchOpContains:
		return strings.Contains(actual, stringify(expr.Value))
	case db.MatchOpRegex:
		matched, err := regexp.MatchString(stringify(expr.Value), actual)
		if err != nil {
			// Unreachable for validated rules.
			return false
		}
		return matched
	case db.MatchOpIn:
		values, ok := expr.Value.([]interface{})
		if !ok {
			return false
		}
		for _, v := range values {
			if actual == stringify(v) {
				return true
			}
		}
		return false
	}

	return false
}

// resolveAttributePath reads one of the supported attribute paths. A missing
// label/metadata key resolves to the empty string.
func resolveAttributePath(attrs db.AlertAttributes, field string) string {
	switch {
	case field == "severity":
		return attrs.Severity
	case field == "source":
		return attrs.Source
	case field == "environment":
		return attrs.Environment
	case strings.HasPrefix(field, "labels."):
		return attrs.Labels[strings.TrimPrefix(field, "labels.")]
	case strings.HasPrefix(field, "metadata."):
		if v, ok := attrs.Metadata[strings.TrimPrefix(field, "metadata.")]; ok {
			return stringify(v)
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// evaluateTimeWindow checks the optional per-rule time restriction. A nil
// window always matches.
func evaluateTimeWindow(tw *db.TimeWindow, at time.Time) bool {
	if tw == nil {
		return true
	}

	loc := time.UTC
	if tw.Timezone != "" {
		if l, err := time.LoadLocation(tw.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if tw.BusinessHours {
		wd := local.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		if local.Hour() < 9 || local.Hour() >= 17 {
			return false
		}
	}

	if len(tw.Weekdays) > 0 {
		today := strings.ToLower(local.Weekday().String())
		found := false
		for _, d := range tw.Weekdays {
			if strings.ToLower(d) == today {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if tw.StartHour != nil && local.Hour() < *tw.StartHour {
		return false
	}
	if tw.EndHour != nil && local.Hour() >= *tw.EndHour {
		return false
	}

	return true
}

// describeMatchExpression renders the winning condition for the route log.
func describeMatchExpression(expr *db.MatchExpression) string {
	if expr == nil {
		return ""
	}
	switch expr.Op {
	case db.MatchOpDefault:
		return "default (catch-all)"
	case db.MatchOpAnd, db.MatchOpOr:
		parts := make([]string, 0, len(expr.Children))
		for _, child := range expr.Children {
			parts = append(parts, describeMatchExpression(child))
		}
		return "(" + strings.Join(parts, " "+expr.Op+" ") + ")"
	case db.MatchOpIn:
		return fmt.Sprintf("%s in %v", expr.Field, expr.Value)
	default:
		return fmt.Sprintf("%s %s %q", expr.Field, expr.Op, stringify(expr.Value))
	}
}

// =============================================================================
// VALIDATION (save time: evaluation never sees a malformed tree)
// =============================================================================

// ValidateMatchExpression rejects malformed trees when a rule is saved so
// evaluation stays total. All failures wrap db.ErrInvalidMatchExpression.
func ValidateMatchExpression(expr *db.MatchExpression) error {
	if expr == nil {
		return fmt.Errorf("match expression is required: %w", db.ErrInvalidMatchExpression)
	}

	switch expr.Op {
	case db.MatchOpDefault:
		if expr.Field != "" || expr.Value != nil || len(expr.Children) > 0 {
			return fmt.Errorf("default node must be empty: %w", db.ErrInvalidMatchExpression)
		}
		return nil

	case db.MatchOpAnd, db.MatchOpOr:
		if len(expr.Children) == 0 {
			return fmt.Errorf("%s node requires at least one child: %w", expr.Op, db.ErrInvalidMatchExpression)
		}
		if expr.Field != "" || expr.Value != nil {
			return fmt.Errorf("%s node must not carry field/value: %w", expr.Op, db.ErrInvalidMatchExpression)
		}
		for _, child := range expr.Children {
			if err := ValidateMatchExpression(child); err != nil {
				return err
			}
		}
		return nil

	case db.MatchOpEquals, db.MatchOpNotEquals, db.MatchOpContains, db.MatchOpRegex, db.MatchOpIn:
		if err := validateAttributePath(expr.Field); err != nil {
			return err
		}
		if len(expr.Children) > 0 {
			return fmt.Errorf("leaf node must not have children: %w", db.ErrInvalidMatchExpression)
		}
		if expr.Op == db.MatchOpIn {
			values, ok := expr.Value.([]interface{})
			if !ok || len(values) == 0 {
				return fmt.Errorf("in operator requires a non-empty list: %w", db.ErrInvalidMatchExpression)
			}
			return nil
		}
		if expr.Value == nil {
			return fmt.Errorf("%s operator requires a value: %w", expr.Op, db.ErrInvalidMatchExpression)
		}
		if expr.Op == db.MatchOpRegex {
			pattern, ok := expr.Value.(string)
			if !ok {
				return fmt.Errorf("regex operator requires a string pattern: %w", db.ErrInvalidMatchExpression)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("regex %q does not compile: %w", pattern, db.ErrInvalidMatchExpression)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown operator %q: %w", expr.Op, db.ErrInvalidMatchExpression)
	}
}

func validateAttributePath(field string) error {
	switch {
	case field == "severity", field == "source", field == "environment":
		return nil
	case strings.HasPrefix(field, "labels.") && len(field) > len("labels."):
		return nil
	case strings.HasPrefix(field, "metadata.") && len(field) > len("metadata."):
		return nil
	}
	return fmt.Errorf("unknown attribute path %q: %w", field, db.ErrInvalidMatchExpression)
}

// ValidateTimeWindow checks the optional time restriction at save time.
func ValidateTimeWindow(tw *db.TimeWindow) error {
	if tw == nil {
		return nil
	}
	validDays := map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
	for _, d := range tw.Weekdays {
		if !validDays[strings.ToLower(d)] {
			return fmt.Errorf("unknown weekday %q: %w", d, db.ErrInvalidMatchExpression)
		}
	}
	if tw.StartHour != nil && (*tw.StartHour < 0 || *tw.StartHour > 23) {
		return fmt.Errorf("start_hour out of range: %w", db.ErrInvalidMatchExpression)
	}
	if tw.EndHour != nil && (*tw.EndHour < 1 || *tw.EndHour > 24) {
		return fmt.Errorf("end_hour out of range: %w", db.ErrInvalidMatchExpression)
	}
	if tw.StartHour != nil && tw.EndHour != nil && *tw.StartHour >= *tw.EndHour {
		return fmt.Errorf("start_hour must be before end_hour: %w", db.ErrInvalidMatchExpression)
	}
	if tw.Timezone != "" {
		if _, err := time.LoadLocation(tw.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", tw.Timezone, db.ErrInvalidMatchExpression)
		}
	}
	return nil
}

// =============================================================================
// STORAGE
// =============================================================================

func (s *RoutingService) getActiveTablesForEvaluation() ([]db.RoutingTable, error) {
	query := `
		SELECT id, name, COALESCE(description, ''), priority, is_active, created_at, updated_at
		FROM alert_routing_tables
		WHERE is_active = true
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.PG.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []db.RoutingTable
	for rows.Next() {
		var t db.RoutingTable
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Priority, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *RoutingService) getActiveRulesForTable(tableID string) ([]db.RoutingRule, error) {
	query := `
		SELECT id, table_id, name, priority, is_active, match_expression,
		       time_window, target_group_id, COALESCE(escalation_policy_id::text, ''),
		       created_at, updated_at
		FROM alert_routing_rules
		WHERE table_id = $1 AND is_active = true
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.PG.Query(query, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []db.RoutingRule
	for rows.Next() {
		var r db.RoutingRule
		var exprJSON []byte
		var windowJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.TableID, &r.Name, &r.Priority, &r.IsActive,
			&exprJSON, &windowJSON, &r.TargetGroupID, &r.EscalationPolicyID,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if len(exprJSON) > 0 {
			if err := json.Unmarshal(exprJSON, &r.MatchExpression); err != nil {
				log.Printf("Skipping rule %s with unreadable match expression: %v", r.ID, err)
				continue
			}
		}
		if windowJSON.Valid && windowJSON.String != "" {
			if err := json.Unmarshal([]byte(windowJSON.String), &r.TimeWindow); err != nil {
				log.Printf("Ignoring unreadable time window on rule %s: %v", r.ID, err)
				r.TimeWindow = nil
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *RoutingService) logRouteMatch(alertID string, d *db.RouteDecision) error {
	attrsJSON, err := json.Marshal(d.Attributes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alert_route_logs (id, alert_id, table_id, rule_id, target_group_id,
		                              match_reason, evaluation_time_ms, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err = s.PG.Exec(query, uuid.New().String(), alertID, d.TableID, d.RuleID,
		d.TargetGroupID, d.MatchReason, d.EvaluationTimeMs, string(attrsJSON))
	return err
}

// GetRoutingHistory returns the audit trail for one alert, newest first.
func (s *RoutingService) GetRoutingHistory(alertID string) ([]db.RouteLog, error) {
	query := `
		SELECT l.id, l.alert_id, l.table_id, l.rule_id, l.target_group_id,
		       l.match_reason, l.evaluation_time_ms, l.attributes, l.created_at,
		       COALESCE(t.name, ''), COALESCE(r.name, '')
		FROM alert_route_logs l
		LEFT JOIN alert_routing_tables t ON l.table_id = t.id
		LEFT JOIN alert_routing_rules r ON l.rule_id = r.id
		WHERE l.alert_id = $1
		ORDER BY l.created_at DESC`

	rows, err := s.PG.Query(query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query route logs: %w", err)
	}
	defer rows.Close()

	var logs []db.RouteLog
	for rows.Next() {
		var l db.RouteLog
		if err := rows.Scan(&l.ID, &l.AlertID, &l.TableID, &l.RuleID, &l.TargetGroupID,
			&l.MatchReason, &l.EvaluationTimeMs, &l.Attributes, &l.CreatedAt,
			&l.TableName, &l.RuleName); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// TABLE / RULE CRUD
// =============================================================================

func (s *RoutingService) CreateRoutingTable(req db.CreateRoutingTableRequest, createdBy string) (*db.RoutingTable, error) {
	table := db.RoutingTable{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		IsActive:    true,
		CreatedBy:   createdBy,
	}

	query := `
		INSERT INTO alert_routing_tables (id, name, description, priority, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := s.PG.QueryRow(query, table.ID, table.Name, table.Description,
		table.Priority, table.IsActive, nullIfEmpty(table.CreatedBy)).
		Scan(&table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing table: %w", err)
	}

	return &table, nil
}

func (s *RoutingService) ListRoutingTables(includeInactive bool) ([]db.RoutingTable, error) {
	query := `
		SELECT id, name, COALESCE(description, ''), priority, is_active, created_at, updated_at
		FROM alert_routing_tables`
	if !includeInactive {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.PG.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing tables: %w", err)
	}
	defer rows.Close()

	var tables []db.RoutingTable
	for rows.Next() {
		var t db.RoutingTable
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Priority, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *RoutingService) GetRoutingTable(tableID string) (*db.RoutingTable, error) {
	var t db.RoutingTable
	query := `
		SELECT id, name, COALESCE(description, ''), priority, is_active, created_at, updated_at
		FROM alert_routing_tables WHERE id = $1`
	err := s.PG.QueryRow(query, tableID).Scan(&t.ID, &t.Name, &t.Description,
		&t.Priority, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("routing table not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routing table: %w", err)
	}

	rules, err := s.getActiveRulesForTable(tableID)
	if err != nil {
		return nil, err
	}
	t.Rules = rules
	return &t, nil
}

// CreateRoutingRule validates the match expression and time window before
// anything is stored; a rule that reaches the table is guaranteed evaluable.
func (s *RoutingService) CreateRoutingRule(tableID string, req db.CreateRoutingRuleRequest) (*db.RoutingRule, error) {
	if err := ValidateMatchExpression(req.MatchExpression); err != nil {
		return nil, err
	}
	if err := ValidateTimeWindow(req.TimeWindow); err != nil {
		return nil, err
	}

	exprJSON, err := json.Marshal(req.MatchExpression)
	if err != nil {
		return nil, fmt.Errorf("failed to encode match expression: %w", err)
	}

	var windowJSON interface{}
	if req.TimeWindow != nil {
		b, err := json.Marshal(req.TimeWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to encode time window: %w", err)
		}
		windowJSON = string(b)
	}

	rule := db.RoutingRule{
		ID:                 uuid.New().String(),
		TableID:            tableID,
		Name:               req.Name,
		Priority:           req.Priority,
		IsActive:           true,
		MatchExpression:    req.MatchExpression,
		TimeWindow:         req.TimeWindow,
		TargetGroupID:      req.TargetGroupID,
		EscalationPolicyID: req.EscalationPolicyID,
	}

	query := `
		INSERT INTO alert_routing_rules (id, table_id, name, priority, is_active,
		                                 match_expression, time_window, target_group_id,
		                                 escalation_policy_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = s.PG.QueryRow(query, rule.ID, rule.TableID, rule.Name, rule.Priority, rule.IsActive,
		string(exprJSON), windowJSON, rule.TargetGroupID, nullIfEmpty(rule.EscalationPolicyID)).
		Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing rule: %w", err)
	}

	return &rule, nil
}

// DeactivateRoutingRule soft-deletes a rule; route logs keep referencing it.
func (s *RoutingService) DeactivateRoutingRule(ruleID string) error {
	result, err := s.PG.Exec(`UPDATE alert_routing_rules SET is_active = false, updated_at = NOW() WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to deactivate routing rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("routing rule not found")
	}
	return nil
}

// DeactivateRoutingTable soft-deletes a table and all of its rules.
func (s *RoutingService) DeactivateRoutingTable(tableID string) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE alert_routing_tables SET is_active = false, updated_at = NOW() WHERE id = $1`, tableID)
	if err != nil {
		return fmt.Errorf("failed to deactivate routing table: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("routing table not found")
	}

	if _, err := tx.Exec(`UPDATE alert_routing_rules SET is_active = false, updated_at = NOW() WHERE table_id = $1`, tableID); err != nil {
		return fmt.Errorf("failed to deactivate table rules: %w", err)
	}

	return tx.Commit()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
