package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS portfolio_sessions (
	id TEXT PRIMARY KEY,
	wallet BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,
	step SMALLINT NOT NULL,
	balance_handle BYTEA NOT NULL,

	revealed_value TEXT,
	revealed_at TIMESTAMPTZ,

	deposit_amount BIGINT NOT NULL DEFAULT 0,
	deposit_approved BOOLEAN NOT NULL DEFAULT false,
	approve_tx BYTEA NOT NULL,

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT balance_handle_len CHECK (octet_length(balance_handle) = 32),
	CONSTRAINT approve_tx_len CHECK (octet_length(approve_tx) = 32),
	CONSTRAINT chain_id_pos CHECK (chain_id > 0),
	CONSTRAINT step_range CHECK (step >= 0 AND step <= 2),
	CONSTRAINT deposit_amount_nonneg CHECK (deposit_amount >= 0),
	CONSTRAINT revealed_pair CHECK ((revealed_value IS NULL) = (revealed_at IS NULL))
);

CREATE INDEX IF NOT EXISTS portfolio_sessions_wallet_idx ON portfolio_sessions (wallet);
`
