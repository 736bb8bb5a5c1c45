package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_processing_locks (
	session_id TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
