// Package db carries the SQL migrations applied by the Postgres document store.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
