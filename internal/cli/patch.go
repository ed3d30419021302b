// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// patchFlags binds work order fields to command flags. Only flags the user set end up in the patch.
type patchFlags struct {
	title          string
	description    string
	assignedTo     string
	teamID         string
	priority       string
	status         string
	estimatedHours float64
	actualHours    float64
	dueDate        string
	location       string
	equipmentRef   string
	clear          []string
	raw            string
}

func (p *patchFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&p.title, "title", "", "title")
	fs.StringVar(&p.description, "description", "", "description")
	fs.StringVar(&p.assignedTo, "assigned-to", "", "assignee user id")
	fs.StringVar(&p.teamID, "team", "", "team id")
	fs.StringVar(&p.priority, "priority", "", "low | medium | high | urgent")
	fs.StringVar(&p.status, "status", "", "pending | in_progress | on_hold | completed | cancelled")
	fs.Float64Var(&p.estimatedHours, "estimated-hours", 0, "estimated hours")
	fs.Float64Var(&p.actualHours, "actual-hours", 0, "actual hours")
	fs.StringVar(&p.dueDate, "due", "", "due date (RFC 3339 or YYYY-MM-DD)")
	fs.StringVar(&p.location, "location", "", "location")
	fs.StringVar(&p.equipmentRef, "equipment", "", "equipment reference")
	fs.StringSliceVar(&p.clear, "clear", nil, "nullable fields to clear (assigned-to, team, estimated-hours, actual-hours, due, location, equipment)")
	fs.StringVar(&p.raw, "json", "", "JSON patch merged before the field flags")
}

// build returns the patch described by the flags set on cmd.
func (p *patchFlags) build(cmd *cobra.Command) (fieldsync.WorkOrderPatch, error) {
	var out fieldsync.WorkOrderPatch
	if p.raw != "" {
		if err := json.Unmarshal([]byte(p.raw), &out); err != nil {
			return out, fmt.Errorf("--json: %w", err)
		}
	}

	changed := cmd.Flags().Changed
	var flagPatch fieldsync.WorkOrderPatch
	if changed("title") {
		flagPatch.Title = fieldsync.Value(p.title)
	}
	if changed("description") {
		flagPatch.Description = fieldsync.Value(p.description)
	}
	if changed("assigned-to") {
		flagPatch.AssignedTo = fieldsync.Value(p.assignedTo)
	}
	if changed("team") {
		flagPatch.TeamID = fieldsync.Value(p.teamID)
	}
	if changed("priority") {
		flagPatch.Priority = fieldsync.Value(fieldsync.Priority(p.priority))
	}
	if changed("status") {
		flagPatch.Status = fieldsync.Value(fieldsync.Status(p.status))
	}
	if changed("estimated-hours") {
		flagPatch.EstimatedHours = fieldsync.Value(p.estimatedHours)
	}
	if changed("actual-hours") {
		flagPatch.ActualHours = fieldsync.Value(p.actualHours)
	}
	if changed("due") {
		t, err := parseDate(p.dueDate)
		if err != nil {
			return out, err
		}
		flagPatch.DueDate = fieldsync.Value(t)
	}
	if changed("location") {
		flagPatch.Location = fieldsync.Value(p.location)
	}
	if changed("equipment") {
		flagPatch.EquipmentRef = fieldsync.Value(p.equipmentRef)
	}
	for _, name := range p.clear {
		switch strings.TrimSpace(name) {
		case "assigned-to":
			flagPatch.AssignedTo = fieldsync.Null[string]()
		case "team":
			flagPatch.TeamID = fieldsync.Null[string]()
		case "estimated-hours":
			flagPatch.EstimatedHours = fieldsync.Null[float64]()
		case "actual-hours":
			flagPatch.ActualHours = fieldsync.Null[float64]()
		case "due":
			flagPatch.DueDate = fieldsync.Null[time.Time]()
		case "location":
			flagPatch.Location = fieldsync.Null[string]()
		case "equipment":
			flagPatch.EquipmentRef = fieldsync.Null[string]()
		default:
			return out, fmt.Errorf("--clear: %q is not a nullable field", name)
		}
	}
	return out.Merge(flagPatch), nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
