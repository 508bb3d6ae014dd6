// Package all registers every storage backend with the storage registry.
package all

import (
	_ "tollwarehouse/internal/storage/mssql"
	_ "tollwarehouse/internal/storage/mysql"
	_ "tollwarehouse/internal/storage/postgres"
	_ "tollwarehouse/internal/storage/sqlite"
)
