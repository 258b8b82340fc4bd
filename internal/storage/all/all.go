// Package all registers every built-in storage backend. Import it for its
// side effects:
//
//	import _ "rowflow/internal/storage/all"
//
// after which storage.New accepts "postgres", "mssql", "mysql" and "sqlite".
package all

import (
	_ "rowflow/internal/storage/mssql"
	_ "rowflow/internal/storage/mysql"
	_ "rowflow/internal/storage/postgres"
	_ "rowflow/internal/storage/sqlite"
)
