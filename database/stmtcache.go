package database

import (
	"database/sql"
	"sync"
)

// StmtCache prepares each distinct query once and reuses the statement.
// The stores issue the same small set of queries on every task step, so
// re-preparing them per call would dominate the sqlite round trip.
type StmtCache struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db, stmts: make(map[string]*sql.Stmt)}
}

// Prepare returns the cached statement for the query, preparing it on the
// first call. Safe for concurrent use.
func (sc *StmtCache) Prepare(query string) (*sql.Stmt, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if stmt, ok := sc.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := sc.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	sc.stmts[query] = stmt
	return stmt, nil
}

// DB exposes the underlying handle for multi-statement transactions.
func (sc *StmtCache) DB() *sql.DB {
	return sc.db
}

// Clear closes every cached statement. The cache stays usable afterwards.
func (sc *StmtCache) Clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for query, stmt := range sc.stmts {
		_ = stmt.Close()
		delete(sc.stmts, query)
	}
}
