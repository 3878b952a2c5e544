// Package migrations holds the SQL schema for bots, chats and messages.
// The files are applied in order by the database package on startup.
package migrations

import "embed"

// FS exposes the migration files to golang-migrate's iofs source.
//
//go:embed *.sql
var FS embed.FS
