package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSqlite opens (and creates if absent) a sqlite database file.
func OpenSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenMemory opens a fresh in-memory sqlite database. Used in tests.
func OpenMemory() *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db
}
