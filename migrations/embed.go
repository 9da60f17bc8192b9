// Package migrations embeds the SQL migration files for both rule store
// dialects. Files are applied by internal/platform/db.Migrator.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

// Dir returns the directory inside FS holding the migrations for store.
func Dir(store string) string {
	if store == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}
