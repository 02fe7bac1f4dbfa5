package store

import "embed"

// EmbeddedMigrations contains all SQL migration files embedded into the
// binary, so migrations run without external files at deploy time.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
