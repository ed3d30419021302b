// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "fmt"

// Verdict is the result class of Decide.
type Verdict int

const (
	VerdictApply Verdict = iota
	VerdictConflict
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictConflict:
		return "conflict"
	case VerdictReject:
		return "reject"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision describes what the batch apply must do with one operation.
type Decision struct {
	Verdict Verdict
	// ExpectedVersion guards the conditional write; 0 for creates.
	ExpectedVersion int64
	// NewVersion is the version the record carries after the write.
	NewVersion int64
	// Reason and Err are set for VerdictReject.
	Reason string
	Err    error
	// AlreadyDeleted marks a delete of a record that is already soft-deleted; nothing is written.
	AlreadyDeleted bool
}

// Decide applies the optimistic-concurrency rules to the current server record (nil when absent)
// and a proposed operation. It performs no I/O.
//
// Updates are version guarded: a client version behind the server is a conflict, one ahead of
// the server is invalid. Deletes win regardless of version.
func Decide(current *WorkOrder, op Operation) Decision {
	switch o := op.(type) {
	case CreateOp:
		return Decision{Verdict: VerdictApply, NewVersion: 1}

	case UpdateOp:
		if current == nil || current.Deleted() {
			return reject(ReasonNotFound, fmt.Errorf("%w: work order %d", ErrNotFound, o.ID))
		}
		if o.ClientVersion != nil {
			cv := *o.ClientVersion
			switch {
			case cv < 1:
				return reject(ReasonInvalidVersion, fmt.Errorf("%w: clientVersion %d", ErrInvalidVersion, cv))
			case cv < current.Version:
				return Decision{Verdict: VerdictConflict, ExpectedVersion: cv, NewVersion: current.Version}
			case cv > current.Version:
				return reject(ReasonInvalidVersion,
					fmt.Errorf("%w: clientVersion %d ahead of server version %d", ErrInvalidVersion, cv, current.Version))
			}
		}
		return Decision{Verdict: VerdictApply, ExpectedVersion: current.Version, NewVersion: current.Version + 1}

	case DeleteOp:
		if current == nil {
			return reject(ReasonNotFound, fmt.Errorf("%w: work order %d", ErrNotFound, o.ID))
		}
		if current.Deleted() {
			return Decision{
				Verdict:         VerdictApply,
				ExpectedVersion: current.Version,
				NewVersion:      current.Version,
				AlreadyDeleted:  true,
			}
		}
		return Decision{Verdict: VerdictApply, ExpectedVersion: current.Version, NewVersion: current.Version + 1}
	}
	return reject(ReasonBadPayload, fmt.Errorf("%w: %T", ErrUnknownOp, op))
}

func reject(reason string, err error) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason, Err: err}
}
