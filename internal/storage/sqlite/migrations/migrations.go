// Package migrations embeds the schema migration files for the realtime
// SQLite store. Files apply in lexical order, at most once each.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
