package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS review_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slack_post_id TEXT NOT NULL UNIQUE,
    slack_channel_id TEXT NOT NULL DEFAULT '',
    slack_message_ts TEXT NOT NULL DEFAULT '',
    author_name TEXT NOT NULL DEFAULT '',
    post_content TEXT NOT NULL DEFAULT '',
    pr_owner TEXT,
    pr_repo TEXT,
    pr_number INTEGER,
    pr_url TEXT,
    selected BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'pending',
    session_id TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_tasks_status ON review_tasks(status);
CREATE INDEX IF NOT EXISTS idx_review_tasks_created_at ON review_tasks(created_at);
`
