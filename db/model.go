package db

import (
	"time"
)

// =============================================================================
// ALERT ATTRIBUTES (ephemeral routing input, never persisted as an entity)
// =============================================================================

// AlertAttributes is the normalized view of an inbound alert that the routing
// engine evaluates. It is rebuilt per routing decision from the raw payload.
type AlertAttributes struct {
	Severity    string                 `json:"severity"`
	Source      string                 `json:"source"`
	Environment string                 `json:"environment,omitempty"`
	Labels      map[string]string      `json:"labels,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// =============================================================================
// ROUTING
// =============================================================================

// Match expression operators. Leaf operators compare one attribute path
// against a literal; composite operators combine children.
const (
	MatchOpEquals    = "equals"
	MatchOpNotEquals = "not_equals"
	MatchOpContains  = "contains"
	MatchOpRegex     = "regex"
	MatchOpIn        = "in"
	MatchOpAnd       = "and"
	MatchOpOr        = "or"
	MatchOpDefault   = "default"
)

// MatchExpression is a recursive condition tree stored as JSONB on a routing
// rule. Leaves carry Field/Value, composites carry Children, "default"
// carries nothing and always matches.
type MatchExpression struct {
	Op       string             `json:"op"`
	Field    string             `json:"field,omitempty"`
	Value    interface{}        `json:"value,omitempty"`
	Children []*MatchExpression `json:"children,omitempty"`
}

// TimeWindow restricts a routing rule to certain times of day. All fields are
// optional; the zero window matches always.
type TimeWindow struct {
	BusinessHours bool     `json:"business_hours,omitempty"` // shorthand for Mon-Fri 09:00-17:00
	Weekdays      []string `json:"weekdays,omitempty"`       // "monday" .. "sunday"
	StartHour     *int     `json:"start_hour,omitempty"`     // inclusive, 0-23
	EndHour       *int     `json:"end_hour,omitempty"`       // exclusive, 1-24
	Timezone      string   `json:"timezone,omitempty"`       // IANA name, default UTC
}

// RoutingTable groups rules under a shared evaluation priority. Higher
// priority tables are evaluated first; ties break by earliest creation.
type RoutingTable struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Priority    int       `json:"priority" db:"priority"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedBy   string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	Rules []RoutingRule `json:"rules,omitempty" db:"-"`
}

// RoutingRule maps a match expression (plus optional time window) to a target
// group and escalation policy. Rule priority orders rules within one table
// only.
type RoutingRule struct {
	ID                 string           `json:"id" db:"id"`
	TableID            string           `json:"table_id" db:"table_id"`
	Name               string           `json:"name" db:"name"`
	Priority           int              `json:"priority" db:"priority"`
	IsActive           bool             `json:"is_active" db:"is_active"`
	MatchExpression    *MatchExpression `json:"match_expression" db:"match_expression"`
	TimeWindow         *TimeWindow      `json:"time_window,omitempty" db:"time_window"`
	TargetGroupID      string           `json:"target_group_id" db:"target_group_id"`
	EscalationPolicyID string           `json:"escalation_policy_id,omitempty" db:"escalation_policy_id"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// RouteDecision is the outcome of a successful routing evaluation.
type RouteDecision struct {
	TableID            string          `json:"table_id"`
	TableName          string          `json:"table_name"`
	RuleID             string          `json:"rule_id"`
	RuleName           string          `json:"rule_name"`
	TargetGroupID      string          `json:"target_group_id"`
	EscalationPolicyID string          `json:"escalation_policy_id,omitempty"`
	MatchReason        string          `json:"match_reason"`
	EvaluationTimeMs   int64           `json:"evaluation_time_ms"`
	Attributes         AlertAttributes `json:"attributes"`
}

// RouteLog is the immutable audit record written for every successful
// (non dry-run) routing decision.
type RouteLog struct {
	ID               string    `json:"id" db:"id"`
	AlertID          string    `json:"alert_id" db:"alert_id"`
	TableID          string    `json:"table_id" db:"table_id"`
	RuleID           string    `json:"rule_id" db:"rule_id"`
	TargetGroupID    string    `json:"target_group_id" db:"target_group_id"`
	MatchReason      string    `json:"match_reason" db:"match_reason"`
	EvaluationTimeMs int64     `json:"evaluation_time_ms" db:"evaluation_time_ms"`
	Attributes       string    `json:"attributes" db:"attributes"` // raw JSON snapshot
	CreatedAt        time.Time `json:"created_at" db:"created_at"`

	TableName string `json:"table_name,omitempty" db:"-"`
	RuleName  string `json:"rule_name,omitempty" db:"-"`
}

// =============================================================================
// ESCALATION POLICIES
// =============================================================================

// Escalation level target types.
const (
	TargetTypeUser            = "user"
	TargetTypeGroup           = "group"
	TargetTypeScheduler       = "scheduler"
	TargetTypeCurrentSchedule = "current_schedule"
)

// EscalationPolicy is an ordered list of levels an unacknowledged incident
// walks through.
type EscalationPolicy struct {
	ID          string    `json:"id" db:"id"`
	GroupID     string    `json:"group_id" db:"group_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	Levels []EscalationLevel `json:"levels,omitempty" db:"-"`
}

// EscalationLevel is one step of a policy: who to page and how long to wait
// before advancing.
type EscalationLevel struct {
	ID                  string    `json:"id" db:"id"`
	PolicyID            string    `json:"policy_id" db:"policy_id"`
	LevelNumber         int       `json:"level_number" db:"level_number"`
	TargetType          string    `json:"target_type" db:"target_type"`
	TargetID            string    `json:"target_id" db:"target_id"`
	TimeoutMinutes      int       `json:"timeout_minutes" db:"timeout_minutes"`
	NotificationMethods []string  `json:"notification_methods" db:"notification_methods"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// GetEffectiveTimeout returns the wait before auto-advancing past this level.
func (l *EscalationLevel) GetEffectiveTimeout() time.Duration {
	if l.TimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(l.TimeoutMinutes) * time.Minute
}

// =============================================================================
// INCIDENTS
// =============================================================================

// Incident status axis. Resolved is terminal.
const (
	IncidentStatusTriggered    = "triggered"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusResolved     = "resolved"
)

// Escalation status axis, orthogonal to incident status.
const (
	EscalationStatusNone       = "none"
	EscalationStatusInProgress = "in_progress"
	EscalationStatusCompleted  = "completed"
)

// Incident is the unit of responsibility tracking. CurrentEscalationLevel is
// 0 before the state machine has assigned anyone, 1 after initial assignment.
// All mutation flows through IncidentService / EscalationService transitions.
type Incident struct {
	ID                     string     `json:"id" db:"id"`
	Title                  string     `json:"title" db:"title"`
	Description            string     `json:"description,omitempty" db:"description"`
	Status                 string     `json:"status" db:"status"`
	Severity               string     `json:"severity,omitempty" db:"severity"`
	Source                 string     `json:"source,omitempty" db:"source"`
	GroupID                string     `json:"group_id,omitempty" db:"group_id"`
	EscalationPolicyID     string     `json:"escalation_policy_id,omitempty" db:"escalation_policy_id"`
	CurrentEscalationLevel int        `json:"current_escalation_level" db:"current_escalation_level"`
	EscalationStatus       string     `json:"escalation_status" db:"escalation_status"`
	LastEscalatedAt        *time.Time `json:"last_escalated_at,omitempty" db:"last_escalated_at"`
	AssignedTo             string     `json:"assigned_to,omitempty" db:"assigned_to"`
	AssignedAt             *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	AcknowledgedBy         string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt         *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedBy             string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Unrouted               bool       `json:"unrouted" db:"unrouted"`
	Labels                 string     `json:"labels,omitempty" db:"labels"` // raw JSON
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`

	// Joined display fields
	AssignedToName       string `json:"assigned_to_name,omitempty" db:"-"`
	GroupName            string `json:"group_name,omitempty" db:"-"`
	EscalationPolicyName string `json:"escalation_policy_name,omitempty" db:"-"`
}

// IncidentEvent is one row of the incident's append-only history trail.
type IncidentEvent struct {
	ID         string    `json:"id" db:"id"`
	IncidentID string    `json:"incident_id" db:"incident_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	ActorID    string    `json:"actor_id,omitempty" db:"actor_id"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Escalation advance triggers.
const (
	EscalationTriggerTimeout = "timeout"
	EscalationTriggerManual  = "manual"
)

// EscalationResult reports the outcome of an advance transition.
type EscalationResult struct {
	IncidentID       string `json:"incident_id"`
	NewLevel         int    `json:"new_level"`
	AssignedUserID   string `json:"assigned_user_id,omitempty"`
	AssignedToName   string `json:"assigned_to_name,omitempty"`
	TargetType       string `json:"target_type"`
	EscalationStatus string `json:"escalation_status"`
	HasMoreLevels    bool   `json:"has_more_levels"`
	Unresolved       bool   `json:"unresolved"` // target had no candidate; level advanced anyway
}

// =============================================================================
// ON-CALL: SHIFTS, ROTATIONS, OVERRIDES
// =============================================================================

// Shift is a half-open interval [StartTime, EndTime) during which UserID is
// the base on-call assignee for GroupID. Shifts generated by a rotation cycle
// carry its id; hand-entered ones do not.
type Shift struct {
	ID              string    `json:"id" db:"id"`
	GroupID         string    `json:"group_id" db:"group_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	IsRecurring     bool      `json:"is_recurring" db:"is_recurring"`
	RotationCycleID string    `json:"rotation_cycle_id,omitempty" db:"rotation_cycle_id"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`

	UserName string `json:"user_name,omitempty" db:"-"`
}

// Rotation shift lengths.
const (
	RotationLengthDaily    = "daily"
	RotationLengthWeekly   = "weekly"
	RotationLengthBiweekly = "biweekly"
	RotationLengthMonthly  = "monthly"
)

// RotationCycle defines a repeating on-call rotation. MemberOrder is
// significant and preserved exactly as configured; expansion is lazy, see
// RotationService.ExpandCycle.
type RotationCycle struct {
	ID          string    `json:"id" db:"id"`
	GroupID     string    `json:"group_id" db:"group_id"`
	Name        string    `json:"name" db:"name"`
	MemberOrder []string  `json:"member_order" db:"member_order"` // JSONB
	StartDate   time.Time `json:"start_date" db:"start_date"`
	ShiftLength string    `json:"shift_length" db:"shift_length"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// RotationShift is one lazily expanded rotation interval. Never stored.
type RotationShift struct {
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Index     int       `json:"index"` // k in start + k*shiftLength
}

// Override types.
const (
	OverrideTypeTemporary = "temporary"
	OverrideTypePermanent = "permanent"
	OverrideTypeEmergency = "emergency"
)

// ScheduleOverride substitutes NewUserID for part or all of one shift's
// interval. The base shift is never mutated; deleting the override restores
// it in full.
type ScheduleOverride struct {
	ID           string    `json:"id" db:"id"`
	ShiftID      string    `json:"shift_id" db:"shift_id"`
	GroupID      string    `json:"group_id" db:"group_id"`
	NewUserID    string    `json:"new_user_id" db:"new_user_id"`
	StartTime    time.Time `json:"start_time" db:"start_time"`
	EndTime      time.Time `json:"end_time" db:"end_time"`
	OverrideType string    `json:"override_type" db:"override_type"`
	Reason       string    `json:"reason,omitempty" db:"reason"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedBy    string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`

	NewUserName string `json:"new_user_name,omitempty" db:"-"`
}

// ScheduleSegment is one interval of the derived effective schedule: base
// shifts with overrides punched through. Segments from one shift are
// contiguous and non-overlapping.
type ScheduleSegment struct {
	ShiftID      string    `json:"shift_id"`
	GroupID      string    `json:"group_id"`
	UserID       string    `json:"user_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	IsOverridden bool      `json:"is_overridden"`
	OverrideID   string    `json:"override_id,omitempty"`
}

// =============================================================================
// GROUPS / USERS (interface boundary, management lives elsewhere)
// =============================================================================

type Group struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type User struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// =============================================================================
// API KEYS (ingestion auth)
// =============================================================================

type APIKey struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedBy  string     `json:"created_by,omitempty" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// =============================================================================
// REQUEST DTOs
// =============================================================================

type CreateRoutingTableRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

type CreateRoutingRuleRequest struct {
	Name               string           `json:"name" binding:"required"`
	Priority           int              `json:"priority"`
	MatchExpression    *MatchExpression `json:"match_expression" binding:"required"`
	TimeWindow         *TimeWindow      `json:"time_window"`
	TargetGroupID      string           `json:"target_group_id" binding:"required"`
	EscalationPolicyID string           `json:"escalation_policy_id"`
}

type TestRouteRequest struct {
	Severity    string                 `json:"severity" binding:"required"`
	Source      string                 `json:"source"`
	Environment string                 `json:"environment"`
	Labels      map[string]string      `json:"labels"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type CreateIncidentRequest struct {
	Title       string                 `json:"title" binding:"required"`
	Description string                 `json:"description"`
	Severity    string                 `json:"severity" binding:"required"`
	Source      string                 `json:"source"`
	Environment string                 `json:"environment"`
	Labels      map[string]string      `json:"labels"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type CreateEscalationPolicyRequest struct {
	Name        string                         `json:"name" binding:"required"`
	Description string                         `json:"description"`
	Levels      []CreateEscalationLevelRequest `json:"levels" binding:"required,min=1"`
}

type CreateEscalationLevelRequest struct {
	TargetType          string   `json:"target_type" binding:"required"`
	TargetID            string   `json:"target_id" binding:"required"`
	TimeoutMinutes      int      `json:"timeout_minutes"`
	NotificationMethods []string `json:"notification_methods"`
}

type CreateRotationCycleRequest struct {
	Name        string   `json:"name" binding:"required"`
	MemberOrder []string `json:"member_order" binding:"required,min=2"`
	StartDate   string   `json:"start_date" binding:"required"` // RFC 3339 or YYYY-MM-DD
	ShiftLength string   `json:"shift_length"`
}

type CreateShiftRequest struct {
	UserID      string    `json:"user_id" binding:"required"`
	StartTime   time.Time `json:"start_time" binding:"required"`
	EndTime     time.Time `json:"end_time" binding:"required"`
	IsRecurring bool      `json:"is_recurring"`
}

type CreateOverrideRequest struct {
	ShiftID      string    `json:"shift_id" binding:"required"`
	NewUserID    string    `json:"new_user_id" binding:"required"`
	StartTime    time.Time `json:"start_time" binding:"required"`
	EndTime      time.Time `json:"end_time" binding:"required"`
	OverrideType string    `json:"override_type"`
	Reason       string    `json:"reason"`
}
