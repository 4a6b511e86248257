package timeline

// Schema creates the panel session tables. Timestamps are stored as
// RFC3339Nano text so replayed events are byte-identical to what was written.
const Schema = `
CREATE TABLE IF NOT EXISTS panels (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL DEFAULT '',
	title TEXT DEFAULT '',
	prompt TEXT NOT NULL,
	experts TEXT NOT NULL DEFAULT '[]',
	mode TEXT NOT NULL,
	config TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	current_round INTEGER NOT NULL DEFAULT 0,
	error_text TEXT DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_panels_tenant ON panels(tenant);
CREATE INDEX IF NOT EXISTS idx_panels_status ON panels(status);

CREATE TABLE IF NOT EXISTS panel_rounds (
	panel_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'in_progress',
	started_at TEXT NOT NULL,
	ended_at TEXT,
	PRIMARY KEY (panel_id, round_number)
);

CREATE TABLE IF NOT EXISTS expert_responses (
	panel_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	expert_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	text TEXT DEFAULT '',
	confidence REAL,
	metadata TEXT DEFAULT '',
	failure_kind TEXT DEFAULT '',
	failure_message TEXT DEFAULT '',
	started_at TEXT NOT NULL,
	resolved_at TEXT NOT NULL,
	PRIMARY KEY (panel_id, sequence),
	UNIQUE (panel_id, round_number, expert_id)
);
CREATE INDEX IF NOT EXISTS idx_responses_round ON expert_responses(panel_id, round_number);

CREATE TABLE IF NOT EXISTS consensus_snapshots (
	panel_id TEXT NOT NULL,
	round_number INTEGER NOT NULL,
	level REAL NOT NULL,
	agreement_points TEXT NOT NULL DEFAULT '[]',
	disagreement_points TEXT NOT NULL DEFAULT '[]',
	response_count INTEGER NOT NULL DEFAULT 0,
	strategy TEXT DEFAULT '',
	PRIMARY KEY (panel_id, round_number)
);

CREATE TABLE IF NOT EXISTS panel_events (
	panel_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	PRIMARY KEY (panel_id, sequence)
);
`
