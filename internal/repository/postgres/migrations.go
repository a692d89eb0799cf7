package postgres

import "embed"

// Migrations holds the schema in golang-migrate layout
// (NNNNNN_name.up.sql / NNNNNN_name.down.sql).
//
//go:embed migrations/*.sql
var Migrations embed.FS
