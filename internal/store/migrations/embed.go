// Package migrations embeds the goose SQL migration files for the state
// store (§4.A).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
