package operation

var (
	// one row per operation; `complete` mirrors the terminal flag of the
	// current state so listings can skip decoding
	operationsTable = `CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY NOT NULL,
		wallet CHAR(40) NOT NULL,
		memo CHAR(64),
		complete BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_operations_wallet ON operations (wallet);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_memo
		ON operations (wallet, memo) WHERE memo IS NOT NULL;`

	// append-only step log of every operation
	stepsTable = `CREATE TABLE IF NOT EXISTS operation_steps (
		opId INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		ts BIGINT NOT NULL,
		ok BOOLEAN NOT NULL,
		payload BLOB,
		errMsg TEXT,
		PRIMARY KEY (opId, seq)
	);`

	// single-row id counter
	counterTable = `CREATE TABLE IF NOT EXISTS operation_counter (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		next BIGINT NOT NULL
	);
	INSERT OR IGNORE INTO operation_counter (id, next) VALUES (0, 0);`
)
