package postgres

import "tollwarehouse/internal/storage"

func init() {
	// registers the multi-table backend factory and its DDL renderer
	storage.RegisterMulti("postgres", NewMulti)
	storage.RegisterDDL("postgres", CreateStatements)
}
