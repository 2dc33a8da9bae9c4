package scheduler

var tasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL CHECK (kind IN ('operation', 'service')),
	opId INTEGER,
	service TEXT,
	options TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	runAt INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'done', 'failed'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks (status, runAt);
`
