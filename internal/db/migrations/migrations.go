// Package migrations embeds the schema for the SQL key-value backends.
package migrations

import "embed"

// SQLite holds golang-migrate style up/down files.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres holds forward-only files applied in name order.
//
//go:embed postgres/*.sql
var Postgres embed.FS
