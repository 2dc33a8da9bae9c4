package ledger

var activeUtxosTable = `
CREATE TABLE IF NOT EXISTS active_utxos (
	key CHAR(72) PRIMARY KEY,
	value INTEGER NOT NULL,
	script BLOB NOT NULL,
	path TEXT NOT NULL
);
`

var usedUtxosTable = `
CREATE TABLE IF NOT EXISTS used_utxos (
	key CHAR(72) PRIMARY KEY,
	usedAt INTEGER NOT NULL,
	owner BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_used_utxos_usedAt ON used_utxos (usedAt);
`
