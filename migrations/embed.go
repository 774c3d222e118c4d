// Package migrations embeds the device registry schema into the binary.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files, passed to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
