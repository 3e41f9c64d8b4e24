package store

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	direction TEXT NOT NULL,
	channel TEXT NOT NULL,
	endpoint_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 3,
	require_idle INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS control_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	endpoint_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 1,
	require_idle INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	ack_deadline_at TEXT NOT NULL,
	available_at TEXT NOT NULL,
	bypass_state INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	heartbeat_phase TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_conversation_id INTEGER NOT NULL,
	end_conversation_id INTEGER NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	type TEXT NOT NULL,
	cron_expression TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 0,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	next_run_at TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 3,
	require_idle INTEGER NOT NULL DEFAULT 0,
	miss_threshold INTEGER NOT NULL DEFAULT 300,
	reply_channel TEXT NOT NULL DEFAULT '',
	reply_endpoint TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_conversations_status_priority ON conversations(status, priority, id);
CREATE INDEX IF NOT EXISTS idx_control_status_priority ON control_entries(status, priority, id);
CREATE INDEX IF NOT EXISTS idx_control_heartbeat_phase ON control_entries(heartbeat_phase, status);
CREATE INDEX IF NOT EXISTS idx_tasks_status_next_run ON tasks(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_end ON checkpoints(end_conversation_id);
`
