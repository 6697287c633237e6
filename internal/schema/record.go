package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TempIDPrefix marks client-assigned placeholder identifiers. Records keep a
// temp id from optimistic creation until the server assigns a real one.
const TempIDPrefix = "temp_"

// IsTempID reports whether the identifier is a client-side placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Record is the domain record mirrored between the local cache and the
// remote service.
type Record struct {
	ID       string          `json:"id"`
	LocalKey string          `json:"local_key,omitempty"`
	OwnerID  string          `json:"owner_id"`
	Scope    string          `json:"scope"`
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`

	// Deleted flags a soft-delete tombstone awaiting server confirmation.
	Deleted bool `json:"deleted,omitempty"`
	// Synced is true once the record reflects authoritative server state.
	Synced bool `json:"synced"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RecordPatch is a partial record update. Nil fields are left untouched.
type RecordPatch struct {
	Name   *string          `json:"name,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Status *string          `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Name == nil && p.Amount == nil && p.Status == nil
}

// PartitionKey addresses one cache partition.
type PartitionKey struct {
	OwnerID string
	Scope   string
}
