// Package schema defines the canonical queue entry and record types shared
// across the outbox stack.
package schema

import (
	"github.com/mosaicapps/outbox/errs"
)

// Kind identifies the mutation carried by a queue entry.
type Kind string

const (
	// KindCreate enqueues creation of a new record.
	KindCreate Kind = "create"
	// KindUpdate enqueues a partial patch of an existing record.
	KindUpdate Kind = "update"
	// KindDelete enqueues removal of an existing record.
	KindDelete Kind = "delete"
	// KindBulkCreate is reserved and has no implementation yet.
	KindBulkCreate Kind = "bulk_create"
)

// Status tracks an entry through the processing state machine.
//
// Transitions only move forward: Pending -> Processing -> {Pending, Paused,
// Failed}, or removal on success. Paused and Failed return to Pending only
// through an explicit operator retry.
type Status string

const (
	// StatusPending marks an entry awaiting its next processing attempt.
	StatusPending Status = "pending"
	// StatusProcessing marks an entry with a remote call in flight.
	StatusProcessing Status = "processing"
	// StatusPaused marks an entry quarantined after a permanent client error.
	StatusPaused Status = "paused"
	// StatusFailed marks an entry that exhausted its retry budget.
	StatusFailed Status = "failed"
)

// Version is the compiled-in queue schema version. Entries persisted under a
// different version are dropped on load; outbox entries are retryable intent,
// not a source of truth, so the reset is safe.
const Version = 1

// CreatePayload carries the fields of the record to create.
type CreatePayload struct {
	Record Record `json:"record"`
}

// UpdatePayload carries a partial patch for an existing record. TargetID may
// be empty when the entry resolves its target through its local key.
type UpdatePayload struct {
	TargetID string      `json:"target_id,omitempty"`
	Patch    RecordPatch `json:"patch"`
}

// DeletePayload identifies the record to delete. TargetID may be empty when
// the entry resolves its target through its local key.
type DeletePayload struct {
	TargetID string `json:"target_id,omitempty"`
}

// Entry is one queued mutation. Exactly one payload field matching Kind is
// populated; Validate enforces the pairing.
type Entry struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Create *CreatePayload `json:"create,omitempty"`
	Update *UpdatePayload `json:"update,omitempty"`
	Delete *DeletePayload `json:"delete,omitempty"`

	// ClientRequestID is the idempotency token the remote API uses to
	// collapse retried create calls into one server-side effect. Create only.
	ClientRequestID string `json:"client_request_id,omitempty"`

	// LocalKey is a client-generated identifier stable across the record's
	// entire local lifetime, independent of the server-assigned id.
	LocalKey string `json:"local_key,omitempty"`

	// GroupKey is the ordering-group identity. Entries sharing a group key
	// replay strictly in enqueue order.
	GroupKey string `json:"group_key"`

	// TempID is the placeholder id of the optimistic record in the cache.
	// Create only; replaced by the real server id on reconciliation.
	TempID string `json:"temp_id,omitempty"`

	// CreatedAt is the enqueue timestamp in Unix milliseconds and defines
	// FIFO order within a group.
	CreatedAt int64 `json:"created_at"`

	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Status        Status `json:"status"`

	// OwnerID and Scope route reconciliation to the right cache partition.
	OwnerID string `json:"owner_id"`
	Scope   string `json:"scope"`

	SchemaVersion int `json:"schema_version"`
}

// Validate checks structural integrity of the entry: identity fields present
// and exactly one payload populated, matching the declared kind.
func (e *Entry) Validate() error {
	if e == nil {
		return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("nil entry"))
	}
	if e.ID == "" {
		return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("entry id required"))
	}
	if e.GroupKey == "" {
		return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("group key required"))
	}
	if e.OwnerID == "" {
		return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("owner id required"))
	}

	populated := 0
	if e.Create != nil {
		populated++
	}
	if e.Update != nil {
		populated++
	}
	if e.Delete != nil {
		populated++
	}

	switch e.Kind {
	case KindCreate:
		if e.Create == nil || populated != 1 {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("create entry requires exactly the create payload"))
		}
		if e.ClientRequestID == "" {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("create entry requires a client request id"))
		}
		if e.TempID == "" {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("create entry requires a temp id"))
		}
		if e.LocalKey == "" {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("create entry requires a local key"))
		}
	case KindUpdate:
		if e.Update == nil || populated != 1 {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("update entry requires exactly the update payload"))
		}
		if e.LocalKey == "" && e.Update.TargetID == "" {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("update entry requires a local key or target id"))
		}
	case KindDelete:
		if e.Delete == nil || populated != 1 {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("delete entry requires exactly the delete payload"))
		}
		if e.LocalKey == "" && e.Delete.TargetID == "" {
			return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("delete entry requires a local key or target id"))
		}
	case KindBulkCreate:
		// Reserved: structurally accepted so it can be enqueued and visibly
		// fail at dispatch time instead of disappearing.
	default:
		return errs.New("schema/entry", errs.CodeInvalid, errs.WithMessage("unknown entry kind"))
	}
	return nil
}

// Terminal reports whether the status requires operator action before the
// entry can be attempted again.
func (s Status) Terminal() bool {
	return s == StatusPaused || s == StatusFailed
}
