// Package remote defines the authoritative record service the outbox
// replays mutations against.
package remote

import (
	"context"

	"github.com/mosaicapps/outbox/internal/schema"
)

// Client abstracts the remote record API.
//
// Implementations must surface transport and status failures through the
// errs envelope so the processor can classify them; the HTTP status, when
// known, decides between transient retry and permanent quarantine.
type Client interface {
	// CreateRecord creates the record remotely. clientRequestID is an
	// idempotency token: the server collapses retried calls carrying the
	// same token into one effect.
	CreateRecord(ctx context.Context, record schema.Record, clientRequestID string) (schema.Record, error)

	// UpdateRecord applies the patch to the identified record and returns
	// the authoritative result. A nil record with a nil error means the
	// target no longer exists server-side; callers treat that as a graceful
	// success without reconciliation.
	UpdateRecord(ctx context.Context, id string, patch schema.RecordPatch) (*schema.Record, error)

	// DeleteRecord removes the identified record.
	DeleteRecord(ctx context.Context, id string) error
}
