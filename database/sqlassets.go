package sqlassets

import "embed"

// Migrations holds the goose migration files applied by the persistence layer and the CLI.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that goose reads from.
const MigrationsDir = "migrations"
