// Package all registers every storage backend.
package all

import (
	_ "mbquery/internal/storage/mssql"
	_ "mbquery/internal/storage/postgres"
	_ "mbquery/internal/storage/sqlite"
)
