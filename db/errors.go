package db

import "errors"

// Domain errors. Services wrap these with fmt.Errorf("...: %w", ...) and
// handlers match them with errors.Is to pick a status code. None of these
// should ever escape as a panic.
var (
	// ErrNoRouteMatched means no active table/rule matched the alert
	// attributes. Recoverable: the caller decides the fallback (incident
	// creation proceeds unrouted).
	ErrNoRouteMatched = errors.New("no routing rule matched")

	// ErrInvalidMatchExpression is surfaced at rule save time, never during
	// evaluation: stored rules are always valid.
	ErrInvalidMatchExpression = errors.New("invalid match expression")

	// ErrIncidentAlreadyResolved guards every transition on a resolved
	// incident.
	ErrIncidentAlreadyResolved = errors.New("incident already resolved")

	// ErrEscalationExhausted means an advance was requested past the last
	// policy level. A normal terminal condition, distinct from success.
	ErrEscalationExhausted = errors.New("escalation policy exhausted")

	// ErrUnresolvableTarget means a level's target produced no candidate.
	// The level counter still advances; assignment stays as it was.
	ErrUnresolvableTarget = errors.New("escalation target has no candidate")

	// ErrEscalationConflict means a concurrent transition won the
	// compare-and-swap on the incident's level or status.
	ErrEscalationConflict = errors.New("concurrent escalation transition")

	// ErrSelfOverride rejects an override whose new user equals the shift's
	// base user.
	ErrSelfOverride = errors.New("override user matches the base shift user")

	// ErrInvalidOverrideWindow rejects an override with end <= start or an
	// interval outside the referenced shift.
	ErrInvalidOverrideWindow = errors.New("invalid override window")

	// ErrOverrideOverlap rejects an override that intersects an existing
	// active override on the same shift. Fail closed rather than
	// last-write-wins.
	ErrOverrideOverlap = errors.New("override overlaps an existing override")
)
