package database

var schema = []string{
	`
	CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		member_id BIGINT NOT NULL,
		study_id BIGINT NOT NULL,
		order_id VARCHAR(64) NOT NULL UNIQUE,
		payment_key VARCHAR(200) UNIQUE,
		amount BIGINT NOT NULL CHECK (amount > 0),
		method VARCHAR(32) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT 'NOT_STARTED',
		failure_code VARCHAR(64),
		failure_message TEXT,
		reconcile_attempts INTEGER NOT NULL DEFAULT 0,
		requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		execution_started_at TIMESTAMPTZ,
		approved_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status_started ON payments (status, execution_started_at);`,
	`
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id VARCHAR(255) PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'DONE',
		reserved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);
	`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_status ON processed_events (status, reserved_at);`,
	`
	CREATE TABLE IF NOT EXISTS settlements (
		id BIGSERIAL PRIMARY KEY,
		study_id BIGINT NOT NULL UNIQUE,
		status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		retry_after TIMESTAMPTZ,
		claimed_at TIMESTAMPTZ,
		exhausted_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS settlement_items (
		id BIGSERIAL PRIMARY KEY,
		settlement_id BIGINT NOT NULL REFERENCES settlements (id),
		participant_id BIGINT NOT NULL,
		member_id BIGINT NOT NULL,
		deposit_paid BIGINT NOT NULL,
		absence_count INTEGER NOT NULL,
		attendance_count INTEGER NOT NULL,
		penalty_amount BIGINT NOT NULL,
		refund_amount BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		refund_transaction_id VARCHAR(255),
		last_error TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (settlement_id, participant_id)
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS outbox_events (
		event_id UUID PRIMARY KEY,
		topic VARCHAR(255) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		aggregate_key VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	);
	`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events (created_at) WHERE published_at IS NULL;`,
	`
	CREATE TABLE IF NOT EXISTS study_deposits (
		study_id BIGINT PRIMARY KEY,
		deposit_amount BIGINT NOT NULL,
		penalty_per_absence BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
}
