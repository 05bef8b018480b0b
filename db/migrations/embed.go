// Package dbmigrations exposes embedded SQL migrations for anomalyd binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into anomalyd binaries.
//
//go:embed *.sql
var Files embed.FS
