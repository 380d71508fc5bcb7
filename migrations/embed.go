// Package migrations embeds the SQL schema migrations so the runner binary
// can apply them at startup with goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
