package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables used by the record store, the outbox relay and
// the idempotency inbox. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS prescriptions (
	patient_id      TEXT        NOT NULL,
	prescription_id TEXT        NOT NULL,
	seq             BIGSERIAL,
	document        JSONB       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (patient_id, prescription_id)
);

CREATE TABLE IF NOT EXISTS dose_marks (
	patient_id      TEXT        NOT NULL,
	prescription_id TEXT        NOT NULL,
	medicine_index  INT         NOT NULL,
	day_index       INT         NOT NULL,
	time_index      INT         NOT NULL,
	marked_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (patient_id, prescription_id, medicine_index, day_index, time_index),
	FOREIGN KEY (patient_id, prescription_id)
		REFERENCES prescriptions (patient_id, prescription_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS patient_versions (
	patient_id TEXT   PRIMARY KEY,
	version    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	kafka_topic    TEXT        NOT NULL,
	kafka_key      TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT         NOT NULL DEFAULT 0,
	last_error     TEXT
);

CREATE INDEX IF NOT EXISTS outbox_unprocessed_idx
	ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
`

// Migrate applies Schema
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
