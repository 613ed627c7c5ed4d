package store

import "fmt"

// Schema DDL. Every timestamp is an ISO-8601 UTC TEXT column; every id is
// a 26-character ULID TEXT column. Raw content is forbidden by contract
// and by the message triggers below.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_key)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user','assistant')),
		sequence INTEGER NOT NULL CHECK (sequence >= 1),
		content TEXT NOT NULL,
		pre_sanitized INTEGER NOT NULL DEFAULT 0,
		ai_validated INTEGER NOT NULL DEFAULT 0,
		ai_detections TEXT,
		sanitization_version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(conversation_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unvalidated ON messages(ai_validated) WHERE ai_validated = 0`,

	// Raw content never reaches disk: inserts must carry pre_sanitized = 1.
	`CREATE TRIGGER IF NOT EXISTS messages_require_presanitized
	BEFORE INSERT ON messages
	WHEN NEW.pre_sanitized != 1
	BEGIN
		SELECT RAISE(ABORT, 'message insert rejected: not pre-sanitized');
	END`,

	// Only the AI-validation field set is mutable after insert.
	`CREATE TRIGGER IF NOT EXISTS messages_restrict_update
	BEFORE UPDATE ON messages
	WHEN NEW.id != OLD.id
		OR NEW.conversation_id != OLD.conversation_id
		OR NEW.role != OLD.role
		OR NEW.sequence != OLD.sequence
		OR NEW.pre_sanitized != OLD.pre_sanitized
		OR NEW.created_at != OLD.created_at
	BEGIN
		SELECT RAISE(ABORT, 'message update rejected: only AI-validation fields are mutable');
	END`,

	`CREATE TABLE IF NOT EXISTS sanitization_log (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		stage TEXT NOT NULL CHECK (stage IN ('pre_sanitization','ai_validation')),
		detections TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sanitization_log_message ON sanitization_log(message_id)`,

	`CREATE TABLE IF NOT EXISTS job_queue (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued','in_progress','completed','failed','dead_letter')),
		priority INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		idempotency_key TEXT,
		scheduled_at TEXT NOT NULL,
		lease_expires_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		error TEXT,
		result TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON job_queue(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON job_queue(status, type, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON job_queue(status, lease_expires_at)`,

	// Singleton ledger row; id is fixed at 1.
	`CREATE TABLE IF NOT EXISTS budget_ledger (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		daily_limit_cents INTEGER NOT NULL,
		monthly_limit_cents INTEGER NOT NULL,
		per_operation_limit_cents INTEGER NOT NULL,
		current_daily_spend_cents INTEGER NOT NULL DEFAULT 0,
		current_monthly_spend_cents INTEGER NOT NULL DEFAULT 0,
		period_start TEXT NOT NULL,
		last_reset_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_call (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('reserved','success','error','cancelled')),
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_cents INTEGER NOT NULL DEFAULT 0,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_call_idempotency ON api_call(idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_api_call_created ON api_call(created_at)`,

	`CREATE TABLE IF NOT EXISTS learnings (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL CHECK (category IN
			('pattern','best_practice','anti_pattern','bug_fix','optimization','tool_usage','workflow','decision')),
		title TEXT NOT NULL,
		content TEXT NOT NULL CHECK (length(content) >= 100),
		tags TEXT NOT NULL DEFAULT '[]',
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		source_conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sanitizer_version INTEGER NOT NULL,
		extractor_version INTEGER NOT NULL,
		embedding BLOB,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category)`,
	`CREATE INDEX IF NOT EXISTS idx_learnings_conversation ON learnings(source_conversation_id)`,

	`CREATE TABLE IF NOT EXISTS consent (
		id TEXT PRIMARY KEY,
		given_at TEXT NOT NULL,
		withdrawn_at TEXT,
		version TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		share_enabled INTEGER NOT NULL DEFAULT 0,
		manual_approval_required INTEGER NOT NULL DEFAULT 1,
		attribution TEXT NOT NULL DEFAULT 'anonymous'
			CHECK (attribution IN ('anonymous','pseudonymous','attributed')),
		age_confirmed INTEGER NOT NULL DEFAULT 0,
		user_agent_hash TEXT NOT NULL DEFAULT '',
		retention_expires_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		learning_id TEXT NOT NULL REFERENCES learnings(id) ON DELETE CASCADE,
		content_address TEXT NOT NULL,
		anchor_tx TEXT NOT NULL DEFAULT '',
		uploaded_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_learning ON uploads(learning_id)`,

	`CREATE TABLE IF NOT EXISTS revocations (
		id TEXT PRIMARY KEY,
		content_address TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		revoked_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_revocations_address ON revocations(content_address)`,

	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		level TEXT NOT NULL,
		correlation_id TEXT,
		span_id TEXT,
		fields TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_correlation ON logs(correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at)`,

	`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
