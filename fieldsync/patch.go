// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Field is a single patch attribute: absent, explicitly null, or set to a value.
type Field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Value returns a field set to v.
func Value[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Null returns a field that clears the attribute.
func Null[T any]() Field[T] {
	return Field[T]{Set: true, Null: true}
}

// Ptr returns nil for absent or null fields.
func (f Field[T]) Ptr() *T {
	if !f.Set || f.Null {
		return nil
	}
	v := f.Value
	return &v
}

func (f Field[T]) merge(later Field[T]) Field[T] {
	if later.Set {
		return later
	}
	return f
}

func (f Field[T]) encode() any {
	if f.Null {
		return nil
	}
	return f.Value
}

func decodeField[T any](key string, raw json.RawMessage, f *Field[T]) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		f.Null = true
		return nil
	}
	if err := json.Unmarshal(raw, &f.Value); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrBadPayload, key, err)
	}
	return nil
}

// Payload keys
const (
	keyTitle          = "title"
	keyDescription    = "description"
	keyAssignedTo     = "assignedTo"
	keyTeamID         = "teamId"
	keyPriority       = "priority"
	keyStatus         = "status"
	keyEstimatedHours = "estimatedHours"
	keyActualHours    = "actualHours"
	keyDueDate        = "dueDate"
	keyLocation       = "location"
	keyEquipmentRef   = "equipmentRef"
)

// reservedKeys are server-owned attributes a client may never write.
var reservedKeys = map[string]bool{
	"id":         true,
	"version":    true,
	"syncStatus": true,
	"lastSyncAt": true,
	"createdBy":  true,
	"createdAt":  true,
	"updatedAt":  true,
	"clientRef":  true,
}

// WorkOrderPatch carries field-level changes. Creates apply a patch to NewWorkOrder defaults;
// updates apply it to the current record and leave absent fields untouched.
type WorkOrderPatch struct {
	Title          Field[string]
	Description    Field[string]
	AssignedTo     Field[string]
	TeamID         Field[string]
	Priority       Field[Priority]
	Status         Field[Status]
	EstimatedHours Field[float64]
	ActualHours    Field[float64]
	DueDate        Field[time.Time]
	Location       Field[string]
	EquipmentRef   Field[string]
}

// MarshalJSON emits only the fields that are present; cleared fields are emitted as null.
func (p WorkOrderPatch) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	put := func(key string, set bool, v any) {
		if set {
			m[key] = v
		}
	}
	put(keyTitle, p.Title.Set, p.Title.encode())
	put(keyDescription, p.Description.Set, p.Description.encode())
	put(keyAssignedTo, p.AssignedTo.Set, p.AssignedTo.encode())
	put(keyTeamID, p.TeamID.Set, p.TeamID.encode())
	put(keyPriority, p.Priority.Set, p.Priority.encode())
	put(keyStatus, p.Status.Set, p.Status.encode())
	put(keyEstimatedHours, p.EstimatedHours.Set, p.EstimatedHours.encode())
	put(keyActualHours, p.ActualHours.Set, p.ActualHours.encode())
	put(keyDueDate, p.DueDate.Set, p.DueDate.encode())
	put(keyLocation, p.Location.Set, p.Location.encode())
	put(keyEquipmentRef, p.EquipmentRef.Set, p.EquipmentRef.encode())
	return json.Marshal(m)
}

// UnmarshalJSON decodes a JSON object, rejecting reserved and unknown keys.
func (p *WorkOrderPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	if raw == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	*p = WorkOrderPatch{}
	for key, value := range raw {
		var err error
		switch key {
		case keyTitle:
			err = decodeField(key, value, &p.Title)
		case keyDescription:
			err = decodeField(key, value, &p.Description)
		case keyAssignedTo:
			err = decodeField(key, value, &p.AssignedTo)
		case keyTeamID:
			err = decodeField(key, value, &p.TeamID)
		case keyPriority:
			err = decodeField(key, value, &p.Priority)
		case keyStatus:
			err = decodeField(key, value, &p.Status)
		case keyEstimatedHours:
			err = decodeField(key, value, &p.EstimatedHours)
		case keyActualHours:
			err = decodeField(key, value, &p.ActualHours)
		case keyDueDate:
			err = decodeField(key, value, &p.DueDate)
		case keyLocation:
			err = decodeField(key, value, &p.Location)
		case keyEquipmentRef:
			err = decodeField(key, value, &p.EquipmentRef)
		default:
			if reservedKeys[key] {
				return fmt.Errorf("%w: payload may not contain %s", ErrBadPayload, key)
			}
			return fmt.Errorf("%w: unknown field %s", ErrBadPayload, key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p WorkOrderPatch) IsEmpty() bool {
	return !(p.Title.Set || p.Description.Set || p.AssignedTo.Set || p.TeamID.Set ||
		p.Priority.Set || p.Status.Set || p.EstimatedHours.Set || p.ActualHours.Set ||
		p.DueDate.Set || p.Location.Set || p.EquipmentRef.Set)
}

// Merge returns p overlaid with the fields present in later.
func (p WorkOrderPatch) Merge(later WorkOrderPatch) WorkOrderPatch {
	return WorkOrderPatch{
		Title:          p.Title.merge(later.Title),
		Description:    p.Description.merge(later.Description),
		AssignedTo:     p.AssignedTo.merge(later.AssignedTo),
		TeamID:         p.TeamID.merge(later.TeamID),
		Priority:       p.Priority.merge(later.Priority),
		Status:         p.Status.merge(later.Status),
		EstimatedHours: p.EstimatedHours.merge(later.EstimatedHours),
		ActualHours:    p.ActualHours.merge(later.ActualHours),
		DueDate:        p.DueDate.merge(later.DueDate),
		Location:       p.Location.merge(later.Location),
		EquipmentRef:   p.EquipmentRef.merge(later.EquipmentRef),
	}
}

// Validate checks value constraints. forCreate additionally requires a title.
func (p WorkOrderPatch) Validate(forCreate bool) error {
	if p.Title.Null || p.Description.Null || p.Priority.Null || p.Status.Null {
		return fmt.Errorf("%w: title, description, priority and status cannot be null", ErrBadPayload)
	}
	if forCreate && !p.Title.Set {
		return fmt.Errorf("%w: title is required", ErrBadPayload)
	}
	if p.Title.Set && strings.TrimSpace(p.Title.Value) == "" {
		return fmt.Errorf("%w: title cannot be blank", ErrBadPayload)
	}
	if p.Priority.Set {
		if err := p.Priority.Value.validate(); err != nil {
			return err
		}
	}
	if p.Status.Set {
		if err := p.Status.Value.validate(); err != nil {
			return err
		}
	}
	if v := p.EstimatedHours.Ptr(); v != nil && *v < 0 {
		return fmt.Errorf("%w: estimatedHours must be >= 0", ErrBadPayload)
	}
	if v := p.ActualHours.Ptr(); v != nil && *v < 0 {
		return fmt.Errorf("%w: actualHours must be >= 0", ErrBadPayload)
	}
	return nil
}

// ApplyTo writes the present fields onto w.
func (p WorkOrderPatch) ApplyTo(w *WorkOrder) {
	if p.Title.Set {
		w.Title = p.Title.Value
	}
	if p.Description.Set {
		w.Description = p.Description.Value
	}
	if p.AssignedTo.Set {
		w.AssignedTo = p.AssignedTo.Ptr()
	}
	if p.TeamID.Set {
		w.TeamID = p.TeamID.Ptr()
	}
	if p.Priority.Set {
		w.Priority = p.Priority.Value
	}
	if p.Status.Set {
		w.Status = p.Status.Value
	}
	if p.EstimatedHours.Set {
		w.EstimatedHours = p.EstimatedHours.Ptr()
	}
	if p.ActualHours.Set {
		w.ActualHours = p.ActualHours.Ptr()
	}
	if p.DueDate.Set {
		w.DueDate = p.DueDate.Ptr()
	}
	if p.Location.Set {
		w.Location = p.Location.Ptr()
	}
	if p.EquipmentRef.Set {
		w.EquipmentRef = p.EquipmentRef.Ptr()
	}
}

// column is a single SET assignment derived from a patch
type column struct {
	name  string
	value any
}

// columns lists the business columns touched by the patch, in a fixed order.
func (p WorkOrderPatch) columns() []column {
	var out []column
	add := func(name string, set bool, v any) {
		if set {
			out = append(out, column{name: name, value: v})
		}
	}
	add("title", p.Title.Set, p.Title.Value)
	add("description", p.Description.Set, p.Description.Value)
	add("assigned_to", p.AssignedTo.Set, p.AssignedTo.Ptr())
	add("team_id", p.TeamID.Set, p.TeamID.Ptr())
	add("priority", p.Priority.Set, string(p.Priority.Value))
	add("status", p.Status.Set, string(p.Status.Value))
	add("estimated_hours", p.EstimatedHours.Set, p.EstimatedHours.Ptr())
	add("actual_hours", p.ActualHours.Set, p.ActualHours.Ptr())
	add("due_date", p.DueDate.Set, p.DueDate.Ptr())
	add("location", p.Location.Set, p.Location.Ptr())
	add("equipment_ref", p.EquipmentRef.Set, p.EquipmentRef.Ptr())
	return out
}
