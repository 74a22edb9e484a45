// Package sqlite embeds the goose migrations for the sqlite metadata store.
package sqlite

import "embed"

//go:embed *.sql
var Migrations embed.FS
