package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_kv (
	chain_id BIGINT NOT NULL,
	k BYTEA NOT NULL,
	v BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, k)
);
`
