// Package migrations embeds the pgstore schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
