// Package dbmigrations exposes embedded SQL migrations for the history store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into amadeus binaries.
//
//go:embed *.sql
var Files embed.FS
