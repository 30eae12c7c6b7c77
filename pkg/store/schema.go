package store

// schemaDDL creates all relay tables. Statements are idempotent so the
// schema can be applied on every open.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS senders (
	id           TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	room_id      TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_approvals (
	sender_id        TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	first_seen       TEXT NOT NULL,
	blocked_attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	sender_id     TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	cost_micros   INTEGER NOT NULL DEFAULT 0,
	over_cap      INTEGER NOT NULL DEFAULT 0,
	history       TEXT NOT NULL DEFAULT '[]',
	pins          TEXT NOT NULL DEFAULT '{}',
	memory        TEXT NOT NULL DEFAULT '',
	remainder     TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exchanges (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	reply       TEXT NOT NULL,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS exchanges_fts USING fts5(
	prompt, reply,
	content='exchanges',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS exchanges_ai AFTER INSERT ON exchanges BEGIN
	INSERT INTO exchanges_fts(rowid, prompt, reply)
	VALUES (new.id, new.prompt, new.reply);
END;

CREATE TRIGGER IF NOT EXISTS exchanges_ad AFTER DELETE ON exchanges BEGIN
	INSERT INTO exchanges_fts(exchanges_fts, rowid, prompt, reply)
	VALUES ('delete', old.id, old.prompt, old.reply);
END;

CREATE TABLE IF NOT EXISTS reminders (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id   TEXT NOT NULL,
	fire_at    TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id   TEXT NOT NULL,
	spec       TEXT NOT NULL,
	message    TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'active',
	next_fire  TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
