// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"fmt"
	"time"
)

// SyncStatus describes whether the last known state of a record has been acknowledged.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncDeleted  SyncStatus = "deleted"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncConflict, SyncDeleted:
		return true
	}
	return false
}

// Priority of a work order
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) validate() error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return nil
	}
	return fmt.Errorf("%w: unknown priority %q", ErrBadPayload, string(p))
}

// Status is the business lifecycle state of a work order (not to be confused with SyncStatus).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusOnHold     Status = "on_hold"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusOnHold, StatusCompleted, StatusCancelled:
		return nil
	}
	return fmt.Errorf("%w: unknown status %q", ErrBadPayload, string(s))
}

// WorkOrder is the synchronized entity. The same shape is used for the authoritative
// server row, the delta feed and conflict snapshots.
type WorkOrder struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	AssignedTo     *string    `json:"assignedTo,omitempty"`
	TeamID         *string    `json:"teamId,omitempty"`
	CreatedBy      string     `json:"createdBy"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	EstimatedHours *float64   `json:"estimatedHours,omitempty"`
	ActualHours    *float64   `json:"actualHours,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	Location       *string    `json:"location,omitempty"`
	EquipmentRef   *string    `json:"equipmentRef,omitempty"`
	Version        int64      `json:"version"`
	SyncStatus     SyncStatus `json:"syncStatus"`
	LastSyncAt     time.Time  `json:"lastSyncAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ClientRef      string     `json:"clientRef,omitempty"` // <source id>/<local id> of the originating create
}

// NewWorkOrder returns a work order populated with the server-side defaults for new records.
func NewWorkOrder() WorkOrder {
	return WorkOrder{
		Priority:   PriorityMedium,
		Status:     StatusPending,
		SyncStatus: SyncPending,
	}
}

// Deleted reports whether the record has been soft-deleted.
func (w *WorkOrder) Deleted() bool {
	return w.SyncStatus == SyncDeleted
}

// ClientRef builds the reference stored on records created through the sync protocol.
func ClientRef(sourceID, localID string) string {
	return sourceID + "/" + localID
}
