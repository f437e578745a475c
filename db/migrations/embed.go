// Package dbmigrations exposes embedded SQL migrations for venuekit binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
