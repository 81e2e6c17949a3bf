package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS gmp_relay_cursors (
	src_chain BIGINT NOT NULL,
	dst_chain BIGINT NOT NULL,
	last_nonce BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (src_chain, dst_chain)
);

CREATE TABLE IF NOT EXISTS gmp_relay_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
