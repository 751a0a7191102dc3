package migrations

import "embed"

// Migrations holds the ordered schema files applied by golang-migrate.
//
//go:embed *.sql
var Migrations embed.FS
