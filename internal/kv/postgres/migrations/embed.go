// Package migrations exposes embedded SQL migrations for the postgres kv store.
package migrations

import "embed"

// Files contains the embedded SQL migrations for the kv_blobs schema.
//
//go:embed *.sql
var Files embed.FS
