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

CREATE TABLE IF NOT EXISTS connections (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	provider            TEXT NOT NULL,
	provider_account_id TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	access_token        TEXT NOT NULL DEFAULT '',
	refresh_token       TEXT NOT NULL DEFAULT '',
	token_expiry        DATETIME,
	scope               TEXT NOT NULL DEFAULT '',
	sync_state          TEXT NOT NULL DEFAULT '{}',
	metadata            TEXT NOT NULL DEFAULT '{}',
	last_synced_at      DATETIME,
	sync_start_at       DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	UNIQUE (user_id, provider, provider_account_id)
);

CREATE TABLE IF NOT EXISTS oauth_states (
	state         TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	redirect_to   TEXT NOT NULL DEFAULT '',
	sync_start_at DATETIME,
	created_at    DATETIME NOT NULL,
	expires_at    DATETIME NOT NULL,
	consumed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS threads (
	id                 TEXT PRIMARY KEY,
	connection_id      TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	provider_thread_id TEXT NOT NULL,
	subject            TEXT NOT NULL DEFAULT '',
	snippet            TEXT NOT NULL DEFAULT '',
	last_message_at    DATETIME,
	message_count      INTEGER NOT NULL DEFAULT 0,
	unread_count       INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (connection_id, provider_thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	connection_id       TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	thread_id           TEXT NOT NULL REFERENCES threads(id),
	provider_message_id TEXT NOT NULL,
	subject             TEXT NOT NULL DEFAULT '',
	snippet             TEXT NOT NULL DEFAULT '',
	text_body           TEXT,
	html_body           TEXT,
	is_unread           INTEGER NOT NULL DEFAULT 0,
	is_blocked          INTEGER NOT NULL DEFAULT 0,
	is_noise            INTEGER NOT NULL DEFAULT 0,
	llm_processed       INTEGER NOT NULL DEFAULT 0,
	received_at         DATETIME NOT NULL,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	UNIQUE (connection_id, provider_message_id)
);

CREATE TABLE IF NOT EXISTS participants (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	email      TEXT NOT NULL,
	name       TEXT
);

CREATE TABLE IF NOT EXISTS labels (
	id                TEXT PRIMARY KEY,
	connection_id     TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	provider_label_id TEXT NOT NULL,
	name              TEXT NOT NULL,
	type              TEXT NOT NULL DEFAULT '',
	UNIQUE (connection_id, provider_label_id)
);

CREATE TABLE IF NOT EXISTS message_labels (
	message_id        TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	provider_label_id TEXT NOT NULL,
	PRIMARY KEY (message_id, provider_label_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id                     TEXT PRIMARY KEY,
	message_id             TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	provider_attachment_id TEXT NOT NULL,
	filename               TEXT NOT NULL DEFAULT '',
	mime_type              TEXT NOT NULL DEFAULT '',
	size                   INTEGER NOT NULL DEFAULT 0,
	is_inline              INTEGER NOT NULL DEFAULT 0,
	content_id             TEXT NOT NULL DEFAULT '',
	content                BLOB,
	UNIQUE (message_id, provider_attachment_id)
);

CREATE TABLE IF NOT EXISTS contacts (
	user_id      TEXT NOT NULL,
	email        TEXT NOT NULL,
	name         TEXT,
	first_met_at DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (user_id, email)
);

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	connection_id TEXT NOT NULL DEFAULT '',
	message_id    TEXT NOT NULL DEFAULT '',
	thread_id     TEXT NOT NULL DEFAULT '',
	attachment_id TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	processed_at  DATETIME
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_connections_account
	ON connections(provider, provider_account_id);

CREATE INDEX IF NOT EXISTS idx_messages_thread_id
	ON messages(thread_id);

CREATE INDEX IF NOT EXISTS idx_participants_message_id
	ON participants(message_id);

CREATE INDEX IF NOT EXISTS idx_attachments_message_id
	ON attachments(message_id);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_pending
	ON analysis_jobs(processed_at, created_at);

CREATE INDEX IF NOT EXISTS idx_oauth_states_expires
	ON oauth_states(expires_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
