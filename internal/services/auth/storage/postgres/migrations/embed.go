// Package migrations contains embedded SQL migrations for the Postgres audit store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
