// Package migrations embeds the goose SQL migrations for the dispatch
// service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
