package infrastructure

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Schema creates the order, event and payment tables. Events are unique per
// order and type, which is what keeps retried activities from duplicating
// audit rows.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	address     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL REFERENCES orders (id),
	type      TEXT NOT NULL,
	payload   JSONB NOT NULL DEFAULT '{}'::jsonb,
	ts        TIMESTAMPTZ NOT NULL,
	UNIQUE (order_id, type)
);

CREATE TABLE IF NOT EXISTS payments (
	payment_id  TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders (id),
	status      TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payments_order_id_idx ON payments (order_id);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}
