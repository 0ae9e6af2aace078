package storage

// schemaSQL creates the catalog and escrow tables. Statements are idempotent.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS inventory_items (
    id          TEXT PRIMARY KEY,
    name        TEXT        NOT NULL,
    base_price  NUMERIC(18,2) NOT NULL,
    floor_price NUMERIC(18,2) NOT NULL,
    meta        JSONB       NOT NULL DEFAULT '{}'::jsonb,
    is_active   BOOLEAN     NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS locked_deals (
    id               UUID PRIMARY KEY,
    item_id          TEXT        NOT NULL,
    item_name        TEXT        NOT NULL,
    final_price      NUMERIC(36,9) NOT NULL,
    currency         TEXT        NOT NULL,
    payment_memo     TEXT        NOT NULL,
    secret_content   TEXT        NOT NULL,
    status           TEXT        NOT NULL DEFAULT 'PENDING'
                     CHECK (status IN ('PENDING', 'PAID', 'EXPIRED')),
    buyer_did        TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at       TIMESTAMPTZ NOT NULL,
    paid_at          TIMESTAMPTZ,
    transaction_hash TEXT,
    block_number     TEXT,
    from_address     TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS locked_deals_payment_memo_key ON locked_deals (payment_memo);
CREATE INDEX IF NOT EXISTS locked_deals_status_expires_idx ON locked_deals (status, expires_at);
CREATE INDEX IF NOT EXISTS locked_deals_created_at_idx ON locked_deals (created_at DESC);
`
