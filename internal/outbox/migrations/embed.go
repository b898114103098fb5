// Package migrations embeds the SQL schema for the client outbox.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
