// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Role determines which work orders a caller may see and mutate.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleTechnician Role = "technician"
)

// ParseRole normalizes a role name. Unknown names are returned as-is and see nothing.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// CallerScope is the already-authorized identity supplied by the auth layer.
type CallerScope struct {
	UserID   string
	Role     Role
	TeamIDs  []string
	SourceID string // Device id; keys op dedupe and the conflict log
}

// Validate checks the fields every sync call depends on.
func (c CallerScope) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("caller scope: user id is required")
	}
	if strings.TrimSpace(c.SourceID) == "" {
		return fmt.Errorf("caller scope: source id is required")
	}
	return nil
}

// predicate returns a SQL boolean expression over work order columns (optionally qualified by
// alias) restricting rows to the caller's visibility. It adds its parameters to args.
func (c CallerScope) predicate(alias string, args pgx.NamedArgs) string {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	switch c.Role {
	case RoleAdmin:
		return "TRUE"
	case RoleSupervisor:
		args["scope_user"] = c.UserID
		teams := c.TeamIDs
		if teams == nil {
			teams = []string{}
		}
		args["scope_teams"] = teams
		return fmt.Sprintf("(%s = ANY(@scope_teams::text[]) OR %s = @scope_user OR %s = @scope_user)",
			col("team_id"), col("assigned_to"), col("created_by"))
	case RoleTechnician:
		args["scope_user"] = c.UserID
		return fmt.Sprintf("(%s = @scope_user OR %s = @scope_user)", col("assigned_to"), col("created_by"))
	default:
		return "FALSE"
	}
}

// Visible evaluates the scope rules in memory against a record.
func (c CallerScope) Visible(w *WorkOrder) bool {
	own := (w.AssignedTo != nil && *w.AssignedTo == c.UserID) || w.CreatedBy == c.UserID
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		if own {
			return true
		}
		if w.TeamID == nil {
			return false
		}
		for _, t := range c.TeamIDs {
			if t == *w.TeamID {
				return true
			}
		}
		return false
	case RoleTechnician:
		return own
	}
	return false
}
