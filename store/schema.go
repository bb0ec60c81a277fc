package store

// Schema is the DDL of the correlation store. Accounts are closed, never
// deleted; attempts, defenses and steps are append-only.
const Schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
    id           TEXT PRIMARY KEY,
    email        TEXT NOT NULL UNIQUE,
    service      TEXT NOT NULL,
    tier         TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'active',
    password     TEXT NOT NULL DEFAULT '',
    inbox_url    TEXT NOT NULL DEFAULT '',
    session_data TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_email_accounts_service ON email_accounts(service);

CREATE TABLE IF NOT EXISTS survey_sites (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL DEFAULT '',
    url                 TEXT NOT NULL UNIQUE,
    category            TEXT NOT NULL DEFAULT '',
    difficulty_score    REAL NOT NULL DEFAULT 0.0,
    total_attempts      INTEGER NOT NULL DEFAULT 0,
    successful_attempts INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_survey_sites_name ON survey_sites(name);

CREATE TABLE IF NOT EXISTS registration_attempts (
    id            TEXT PRIMARY KEY,
    email_id      TEXT REFERENCES email_accounts(id),
    email         TEXT NOT NULL DEFAULT '',
    site_id       TEXT NOT NULL REFERENCES survey_sites(id),
    state         TEXT NOT NULL DEFAULT 'created',
    status        TEXT NOT NULL DEFAULT 'pending',
    success       INTEGER NOT NULL DEFAULT 0,
    fields_filled INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    started_at    INTEGER NOT NULL,
    completed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_attempts_site ON registration_attempts(site_id, started_at DESC);

CREATE TABLE IF NOT EXISTS site_defenses (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id         TEXT NOT NULL REFERENCES survey_sites(id),
    registration_id TEXT NOT NULL REFERENCES registration_attempts(id),
    seq             INTEGER NOT NULL,
    defense_type    TEXT NOT NULL,
    defense_subtype TEXT NOT NULL DEFAULT '',
    severity_level  INTEGER NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    evidence        TEXT NOT NULL DEFAULT '[]',
    detected_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_site_defenses_attempt ON site_defenses(registration_id);
CREATE INDEX IF NOT EXISTS idx_site_defenses_site ON site_defenses(site_id, defense_type);

CREATE TABLE IF NOT EXISTS registration_steps (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    registration_id TEXT NOT NULL REFERENCES registration_attempts(id),
    step_name       TEXT NOT NULL,
    status          TEXT NOT NULL,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    input_data      TEXT NOT NULL DEFAULT '{}',
    output_data     TEXT NOT NULL DEFAULT '{}',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registration_steps_attempt ON registration_steps(registration_id);
`
