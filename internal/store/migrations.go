package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE COLLATE NOCASE,
	email        TEXT NOT NULL UNIQUE COLLATE NOCASE,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	sender_id         TEXT NOT NULL REFERENCES users(id),
	recipient_id      TEXT NOT NULL REFERENCES users(id),
	recipient_address TEXT NOT NULL,
	subject           TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL,
	is_ai_generated   INTEGER NOT NULL DEFAULT 0 CHECK(is_ai_generated IN (0, 1)),
	delivery_mode     TEXT NOT NULL CHECK(delivery_mode IN ('immediate', 'scheduled')),
	scheduled_at      DATETIME,
	schedule_active   INTEGER NOT NULL DEFAULT 0 CHECK(schedule_active IN (0, 1)),
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'dispatching', 'sent', 'failed')),
	claim_token       TEXT,
	claimed_at        DATETIME,
	failed_attempts   INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	sent_at           DATETIME,
	updated_at        DATETIME NOT NULL,
	CHECK((sent_at IS NOT NULL) = (status = 'sent')),
	CHECK(delivery_mode = 'immediate' OR scheduled_at IS NOT NULL),
	CHECK(delivery_mode = 'scheduled' OR scheduled_at IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_due
	ON messages(delivery_mode, schedule_active, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_claimed_at ON messages(status, claimed_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS preferences (
	user_id       TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	writing_style TEXT NOT NULL DEFAULT 'professional'
		CHECK(writing_style IN ('professional', 'friendly', 'formal', 'casual')),
	updated_at    DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
