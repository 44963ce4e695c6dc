package storage

// schemaStatements bootstraps the database. Statements are idempotent so a
// restart over an existing file is safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS forums (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		course_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'general',
		subscription_mode INTEGER NOT NULL DEFAULT 0,
		tracking_mode INTEGER NOT NULL DEFAULT 1,
		block_after INTEGER NOT NULL DEFAULT 0,
		block_period INTEGER NOT NULL DEFAULT 0,
		old_post_days INTEGER NOT NULL DEFAULT 0,
		group_mode INTEGER NOT NULL DEFAULT 0,
		visible INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS discussions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		forum_id INTEGER NOT NULL REFERENCES forums(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL DEFAULT -1,
		first_post_id INTEGER NOT NULL DEFAULT 0,
		time_start INTEGER NOT NULL DEFAULT 0,
		time_end INTEGER NOT NULL DEFAULT 0,
		last_post_id INTEGER NOT NULL DEFAULT 0,
		time_modified INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_discussions_forum ON discussions(forum_id)`,

	`CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		discussion_id INTEGER NOT NULL REFERENCES discussions(id) ON DELETE CASCADE,
		parent_id INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER NOT NULL,
		subject TEXT NOT NULL,
		message TEXT NOT NULL,
		created INTEGER NOT NULL,
		modified INTEGER NOT NULL,
		mail_now INTEGER NOT NULL DEFAULT 0,
		mail_status INTEGER NOT NULL DEFAULT 0,
		mail_error_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_discussion ON posts(discussion_id)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_mail ON posts(mail_status, created)`,

	`CREATE TABLE IF NOT EXISTS read_records (
		user_id INTEGER NOT NULL,
		post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		discussion_id INTEGER NOT NULL,
		forum_id INTEGER NOT NULL,
		first_read INTEGER NOT NULL,
		last_read INTEGER NOT NULL,
		PRIMARY KEY (user_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_read_records_post ON read_records(post_id)`,

	`CREATE TABLE IF NOT EXISTS forum_subscriptions (
		user_id INTEGER NOT NULL,
		forum_id INTEGER NOT NULL REFERENCES forums(id) ON DELETE CASCADE,
		created INTEGER NOT NULL,
		PRIMARY KEY (user_id, forum_id)
	)`,

	`CREATE TABLE IF NOT EXISTS discussion_subscriptions (
		user_id INTEGER NOT NULL,
		discussion_id INTEGER NOT NULL REFERENCES discussions(id) ON DELETE CASCADE,
		preference INTEGER NOT NULL,
		created INTEGER NOT NULL,
		PRIMARY KEY (user_id, discussion_id)
	)`,

	`CREATE TABLE IF NOT EXISTS tracking_prefs (
		user_id INTEGER NOT NULL,
		forum_id INTEGER NOT NULL REFERENCES forums(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, forum_id)
	)`,

	`CREATE TABLE IF NOT EXISTS digest_prefs (
		user_id INTEGER NOT NULL,
		forum_id INTEGER NOT NULL REFERENCES forums(id) ON DELETE CASCADE,
		mode INTEGER NOT NULL,
		PRIMARY KEY (user_id, forum_id)
	)`,

	`CREATE TABLE IF NOT EXISTS digest_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		discussion_id INTEGER NOT NULL,
		post_id INTEGER NOT NULL,
		queued_at INTEGER NOT NULL,
		UNIQUE (user_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_digest_queue_user ON digest_queue(user_id, queued_at)`,

	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		digest_mode INTEGER NOT NULL DEFAULT 0,
		track_forums INTEGER NOT NULL DEFAULT 1,
		staff INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS enrollments (
		course_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (course_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS runtime_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
}
