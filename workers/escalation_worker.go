package workers

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/pagerloop/pagerloop/db"
	"github.com/pagerloop/pagerloop/services"
)

// EscalationWorker fires timeout-driven escalations. It polls for incidents
// whose current level has been waiting longer than the level's timeout and
// asks the state machine to advance them. The advance itself is guarded by a
// compare-and-swap on the stored level, so a duplicate firing (second worker
// replica, overlapping ticks) is a no-op, never a double escalation.
type EscalationWorker struct {
	PG           *sql.DB
	Escalation   *services.EscalationService
	PollInterval time.Duration

	stop chan struct{}
}

func NewEscalationWorker(pg *sql.DB, escalation *services.EscalationService, pollInterval time.Duration) *EscalationWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &EscalationWorker{
		PG:           pg,
		Escalation:   escalation,
		PollInterval: pollInterval,
		stop:         make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called.
func (w *EscalationWorker) Start() {
	log.Printf("Escalation worker started (poll every %s)", w.PollInterval)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			log.Println("Escalation worker stopped")
			return
		case <-ticker.C:
			w.processDueIncidents()
			w.retryUnassignedIncidents()
		}
	}
}

func (w *EscalationWorker) Stop() {
	close(w.stop)
}

// processDueIncidents advances every triggered incident whose current level
// timeout has elapsed. Only status=triggered rows are selected; acknowledged
// incidents never reach the state machine from this path.
func (w *EscalationWorker) processDueIncidents() {
	query := `
		SELECT i.id, i.current_escalation_level
		FROM incidents i
		JOIN escalation_levels l
		  ON l.policy_id = i.escalation_policy_id
		 AND l.level_number = i.current_escalation_level
		WHERE i.status = $1
		  AND i.escalation_status = $2
		  AND i.last_escalated_at IS NOT NULL
		  AND i.last_escalated_at + make_interval(mins => l.timeout_minutes) <= NOW()
		ORDER BY i.last_escalated_at ASC
		LIMIT 50`

	rows, err := w.PG.Query(query, db.IncidentStatusTriggered, db.EscalationStatusInProgress)
	if err != nil {
		log.Printf("Escalation worker: failed to query due incidents: %v", err)
		return
	}
	defer rows.Close()

	type due struct {
		id    string
		level int
	}
	var dueIncidents []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.level); err != nil {
			log.Printf("Escalation worker: scan failed: %v", err)
			return
		}
		dueIncidents = append(dueIncidents, d)
	}
	if err := rows.Err(); err != nil {
		log.Printf("Escalation worker: row iteration failed: %v", err)
		return
	}

	for _, d := range dueIncidents {
		result, err := w.Escalation.AdvanceEscalation(d.id, db.EscalationTriggerTimeout, "")
		switch {
		case err == nil:
			if result.Unresolved {
				log.Printf("Incident %s advanced to level %d with unresolved target", d.id, result.NewLevel)
			} else {
				log.Printf("Incident %s auto-escalated to level %d (assigned %s)", d.id, result.NewLevel, result.AssignedUserID)
			}
		case errors.Is(err, db.ErrEscalationExhausted):
			log.Printf("Incident %s exhausted its escalation policy at level %d", d.id, d.level)
		case errors.Is(err, db.ErrEscalationConflict):
			// Lost the CAS to a concurrent manual escalation or acknowledge.
		default:
			log.Printf("Escalation worker: failed to advance incident %s: %v", d.id, err)
		}
	}
}

// retryUnassignedIncidents retries the initial level-1 assignment for
// incidents that were routed to a policy but whose first resolution never
// happened (for example a transient failure during creation).
func (w *EscalationWorker) retryUnassignedIncidents() {
	query := `
		SELECT i.id, i.escalation_policy_id::text
		FROM incidents i
		WHERE i.status = $1
		  AND i.escalation_status = $2
		  AND i.current_escalation_level = 0
		  AND i.escalation_policy_id IS NOT NULL
		  AND i.created_at <= NOW() - INTERVAL '1 minute'
		LIMIT 20`

	rows, err := w.PG.Query(query, db.IncidentStatusTriggered, db.EscalationStatusNone)
	if err != nil {
		log.Printf("Escalation worker: failed to query unassigned incidents: %v", err)
		return
	}
	defer rows.Close()

	type pending struct {
		id       string
		policyID string
	}
	var pendings []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.policyID); err != nil {
			log.Printf("Escalation worker: scan failed: %v", err)
			return
		}
		pendings = append(pendings, p)
	}

	for _, p := range pendings {
		result, err := w.Escalation.CreateAndAssign(p.id, p.policyID)
		if err != nil {
			log.Printf("Escalation worker: retry assignment failed for incident %s: %v", p.id, err)
			continue
		}
		log.Printf("Incident %s assigned at level %d on retry", p.id, result.NewLevel)
	}
}
