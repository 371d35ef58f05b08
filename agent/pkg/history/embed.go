package history

import "embed"

//go:embed db/migrations/*.sql
var migrationsFS embed.FS
