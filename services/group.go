package services

import (
	"database/sql"
	"fmt"

	"github.com/pagerloop/pagerloop/db"
)

// GroupService is the interface boundary to group management. Membership
// administration lives elsewhere; this core only reads groups to resolve
// escalation targets and validate ownership.
type GroupService struct {
	PG *sql.DB
}

func NewGroupService(pg *sql.DB) *GroupService {
	return &GroupService{PG: pg}
}

func (s *GroupService) GetGroup(groupID string) (*db.Group, error) {
	var g db.Group
	err := s.PG.QueryRow(`
		SELECT id, name, COALESCE(description, ''), is_active, created_at
		FROM groups WHERE id = $1`, groupID).
		Scan(&g.ID, &g.Name, &g.Description, &g.IsActive, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &g, nil
}

// GetGroupRepresentative returns the user a "group" escalation target
// resolves to. The representative policy belongs to group management; today
// it answers with the earliest-added active member, and this core treats
// the result as opaque.
func (s *GroupService) GetGroupRepresentative(groupID string) (string, error) {
	var userID string
	err := s.PG.QueryRow(`
		SELECT user_id FROM group_members
		WHERE group_id = $1 AND is_active = true
		ORDER BY created_at ASC
		LIMIT 1`, groupID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve group representative: %w", err)
	}
	return userID, nil
}

func (s *GroupService) GetGroupMembers(groupID string) ([]db.User, error) {
	rows, err := s.PG.Query(`
		SELECT u.id, u.name, u.email
		FROM group_members m
		JOIN users u ON m.user_id = u.id
		WHERE m.group_id = $1 AND m.is_active = true
		ORDER BY m.created_at ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	var members []db.User
	for rows.Next() {
		var u db.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		members = append(members, u)
	}
	return members, rows.Err()
}
